package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"

	"ecgseq/internal/logging"
	"ecgseq/pkg/schema"
)

// MetadataFilename is the index written next to the feature containers.
const MetadataFilename = schema.IndexFile

type Config struct {
	Data        *DataConfig            `json:"data"`
	Encoder     *EncoderConfig         `json:"encoder"`
	Reader      *ReaderConfig          `json:"reader"`
	Training    *TrainingConfig        `json:"training"`
	Server      *ServerConfig          `json:"server"`
	Logging     *logging.LoggingConfig `json:"logging"`
	Environment *EnvironmentConfig     `json:"environment"`
}

type DataConfig struct {
	RawDir          string   `json:"raw_dir"`
	PreprocessedDir string   `json:"preprocessed_dir"`
	ContainerDir    string   `json:"container_dir"`
	RecordNames     []string `json:"record_names"`
	SequenceLen     int      `json:"sequence_len"`
	SamplesPerBeat  int      `json:"time_steps_per_beat"`
	WaveletScales   int      `json:"wavelet_scales"`
	ClassNames      []string `json:"class_names"`
}

type EncoderConfig struct {
	BatchSizePerChunk int `json:"batch_size_per_chunk"`
	Workers           int `json:"workers"`
	StatsChunkSize    int `json:"stats_chunk_size"`
}

type ReaderConfig struct {
	CycleLength   int `json:"cycle_length"`
	ShuffleBuffer int `json:"shuffle_buffer"`
	PrefetchDepth int `json:"prefetch_depth"`
}

type TrainingConfig struct {
	BatchSize    int     `json:"batch_size"`
	KFolds       int     `json:"k_folds"`
	TestFraction float64 `json:"test_fraction"`
}

type ServerConfig struct {
	Addr string `json:"addr"`
}

type EnvironmentConfig struct {
	RandomSeed int64  `json:"random_seed"`
	RunsDir    string `json:"runs_dir"`
}

// MITBIHRecords are the 45 MIT-BIH arrhythmia records used by default.
var MITBIHRecords = []string{
	"100", "101", "103", "105", "106", "108", "109", "111", "112", "113", "114",
	"115", "116", "117", "118", "119", "121", "122", "123", "124", "200", "201",
	"202", "203", "205", "207", "208", "209", "210", "212", "213", "214", "215",
	"217", "219", "220", "221", "222", "223", "228", "230", "231", "232", "233", "234",
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Data: &DataConfig{
			RawDir:          "mit-bih-arrhythmia-database-1.0.0",
			PreprocessedDir: "preprocessed_data",
			ContainerDir:    "sequence_batches",
			RecordNames:     append([]string(nil), MITBIHRecords...),
			SequenceLen:     3,
			SamplesPerBeat:  187,
			WaveletScales:   32,
			ClassNames:      []string{"Normal", "SVEB", "VEB", "Fusion", "Unknown"},
		},
		Encoder: &EncoderConfig{
			BatchSizePerChunk: 256,
			Workers:           0,
			StatsChunkSize:    128,
		},
		Reader: &ReaderConfig{
			CycleLength:   4,
			ShuffleBuffer: 8,
			PrefetchDepth: 2,
		},
		Training: &TrainingConfig{
			BatchSize:    128,
			KFolds:       5,
			TestFraction: 0.15,
		},
		Server: &ServerConfig{
			Addr: ":8088",
		},
		Logging: &logging.LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Environment: &EnvironmentConfig{
			RandomSeed: 42,
			RunsDir:    "research_runs",
		},
	}
}

// Load reads path (optional) over the defaults, then applies .env and
// ECGSEQ_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	// A missing .env is normal.
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("ECGSEQ_RAW_DIR"); v != "" {
		c.Data.RawDir = v
	}
	if v := os.Getenv("ECGSEQ_PREPROCESSED_DIR"); v != "" {
		c.Data.PreprocessedDir = v
	}
	if v := os.Getenv("ECGSEQ_CONTAINER_DIR"); v != "" {
		c.Data.ContainerDir = v
	}
	if v := os.Getenv("ECGSEQ_RUNS_DIR"); v != "" {
		c.Environment.RunsDir = v
	}
	if v := os.Getenv("ECGSEQ_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ECGSEQ_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("ECGSEQ_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid ECGSEQ_WORKERS %q: %w", v, err)
		}
		c.Encoder.Workers = n
	}
	if v := os.Getenv("ECGSEQ_SEED"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid ECGSEQ_SEED %q: %w", v, err)
		}
		c.Environment.RandomSeed = n
	}
	return nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Data == nil || c.Encoder == nil || c.Reader == nil || c.Training == nil ||
		c.Server == nil || c.Logging == nil || c.Environment == nil {
		return errors.New("config: missing section")
	}
	var errs []error
	positive := map[string]int{
		"data.sequence_len":            c.Data.SequenceLen,
		"data.time_steps_per_beat":     c.Data.SamplesPerBeat,
		"data.wavelet_scales":          c.Data.WaveletScales,
		"encoder.batch_size_per_chunk": c.Encoder.BatchSizePerChunk,
		"encoder.stats_chunk_size":     c.Encoder.StatsChunkSize,
		"reader.cycle_length":          c.Reader.CycleLength,
		"reader.shuffle_buffer":        c.Reader.ShuffleBuffer,
		"reader.prefetch_depth":        c.Reader.PrefetchDepth,
		"training.batch_size":          c.Training.BatchSize,
	}
	for name, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	if c.Training.KFolds < 2 {
		errs = append(errs, fmt.Errorf("training.k_folds must be at least 2, got %d", c.Training.KFolds))
	}
	if c.Training.TestFraction <= 0 || c.Training.TestFraction >= 1 {
		errs = append(errs, fmt.Errorf("training.test_fraction must be in (0,1), got %v", c.Training.TestFraction))
	}
	if c.Encoder.Workers < 0 {
		errs = append(errs, fmt.Errorf("encoder.workers must not be negative, got %d", c.Encoder.Workers))
	}
	return errors.Join(errs...)
}

// MetadataPath is the location of the beat metadata index.
func (c *Config) MetadataPath() string {
	return filepath.Join(c.Data.PreprocessedDir, MetadataFilename)
}
