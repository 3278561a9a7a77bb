package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"ecgseq/internal/logging"
	"ecgseq/pkg/analyzer"
	"ecgseq/pkg/loader"
	"ecgseq/pkg/schema"
	"ecgseq/pkg/sliding"
	"ecgseq/pkg/worker"
)

const (
	SplitTrain = "train"
	SplitEval  = "eval"
)

// Options configures a feed Server.
type Options struct {
	ContainerDir string
	TrainRecords []string
	EvalRecords  []string
	Index        []schema.BeatMeta
	SequenceLen  int
	// Reader holds batch size, fan-out, shuffle depth, prefetch and seed.
	// Training and Normalizer are set per split.
	Reader loader.Options
	Stats  *analyzer.Stats
	Logger *logging.Logger
}

// BatchResponse is one batch on the wire.
type BatchResponse struct {
	Split     string    `json:"split"`
	Index     int64     `json:"index"`
	Shape     []int     `json:"shape"`
	Sequences []float32 `json:"sequences"`
	Labels    []int32   `json:"labels"`
}

// StatsResponse describes the corpus an external training loop will see.
type StatsResponse struct {
	Mean          []float32         `json:"mean,omitempty"`
	Scale         []float32         `json:"scale,omitempty"`
	BatchSize     int               `json:"batch_size"`
	TrainExamples int               `json:"train_examples"`
	EvalExamples  int               `json:"eval_examples"`
	TrainSteps    int               `json:"train_steps"`
	EvalSteps     int               `json:"eval_steps"`
	ClassWeights  map[int32]float64 `json:"class_weights"`
}

// HealthResponse reports liveness and host load.
type HealthResponse struct {
	Status    string           `json:"status"`
	Uptime    string           `json:"uptime"`
	Served    int64            `json:"batches_served"`
	Resources worker.Resources `json:"resources"`
}

type split struct {
	name   string
	reader *loader.Reader
	err    error
	stream *loader.Stream
	served int64
}

// Server streams sequence batches to a training loop over HTTP.
type Server struct {
	opts      Options
	stats     StatsResponse
	logger    *logging.Logger
	startTime time.Time

	mu     sync.Mutex
	splits map[string]*split
}

// New prepares readers for both splits. A split without containers is kept
// and reported as an empty stream when requested.
func New(opts Options) (*Server, error) {
	norm, err := loader.NewNormalizer(opts.Stats)
	if err != nil {
		return nil, err
	}

	s := &Server{
		opts:      opts,
		logger:    opts.Logger,
		startTime: time.Now(),
		splits:    make(map[string]*split),
	}

	for _, sp := range []struct {
		name     string
		records  []string
		training bool
	}{
		{SplitTrain, opts.TrainRecords, true},
		{SplitEval, opts.EvalRecords, false},
	} {
		ro := opts.Reader
		ro.Training = sp.training
		ro.Normalizer = norm
		ro.Logger = opts.Logger
		r, err := loader.NewReader(opts.ContainerDir, sp.records, ro)
		if err != nil && !errors.Is(err, loader.ErrEmptyStream) {
			return nil, fmt.Errorf("%s split: %w", sp.name, err)
		}
		s.splits[sp.name] = &split{name: sp.name, reader: r, err: err}
	}

	gen := sliding.NewGenerator(opts.SequenceLen, 1)
	trainLabels := gen.SequenceLabels(opts.Index, opts.TrainRecords)
	evalLabels := gen.SequenceLabels(opts.Index, opts.EvalRecords)
	s.stats = StatsResponse{
		BatchSize:     opts.Reader.BatchSize,
		TrainExamples: len(trainLabels),
		EvalExamples:  len(evalLabels),
		TrainSteps:    sliding.Steps(len(trainLabels), opts.Reader.BatchSize),
		EvalSteps:     sliding.Steps(len(evalLabels), opts.Reader.BatchSize),
		ClassWeights:  sliding.ClassWeights(trainLabels),
	}
	if opts.Stats != nil {
		s.stats.Mean = opts.Stats.Mean
		s.stats.Scale = opts.Stats.Scale
	}
	return s, nil
}

// Router builds the gin engine serving /api/v1.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api/v1")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/stats", s.handleStats)
		api.GET("/batches/next", s.handleNext)
		api.POST("/reset", s.handleReset)
	}
	return router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Feed server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		s.Close()
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down feed server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// Close stops any running streams.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sp := range s.splits {
		if sp.stream != nil {
			sp.stream.Close()
			sp.stream = nil
		}
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	s.mu.Lock()
	var served int64
	for _, sp := range s.splits {
		served += sp.served
	}
	s.mu.Unlock()

	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Uptime:    time.Since(s.startTime).String(),
		Served:    served,
		Resources: worker.Snapshot(),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.stats)
}

func (s *Server) handleNext(c *gin.Context) {
	name := c.DefaultQuery("split", SplitTrain)

	s.mu.Lock()
	defer s.mu.Unlock()

	sp, ok := s.splits[name]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown split %q", name)})
		return
	}
	if sp.err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": sp.err.Error(), "split": name})
		return
	}
	if sp.stream == nil {
		sp.stream = sp.reader.Stream(context.Background())
	}

	b, err := sp.stream.Next()
	if errors.Is(err, io.EOF) {
		c.JSON(http.StatusGone, gin.H{"error": "evaluation pass complete", "split": name, "batches": sp.served})
		return
	}
	if err != nil {
		s.logger.Error("Stream %s failed: %v", name, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := BatchResponse{
		Split:     name,
		Index:     sp.served,
		Shape:     b.Shape(),
		Sequences: b.Sequences,
		Labels:    b.Labels,
	}
	sp.served++
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleReset(c *gin.Context) {
	name := c.DefaultQuery("split", SplitEval)

	s.mu.Lock()
	defer s.mu.Unlock()

	sp, ok := s.splits[name]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown split %q", name)})
		return
	}
	if sp.stream != nil {
		sp.stream.Close()
		sp.stream = nil
	}
	sp.served = 0
	c.JSON(http.StatusOK, gin.H{"message": "stream reset", "split": name})
}
