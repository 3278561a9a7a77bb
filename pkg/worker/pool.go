package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"ecgseq/internal/logging"
)

// AcceleratorEnv is the variable cleared so per-record work stays on the CPU.
const AcceleratorEnv = "CUDA_VISIBLE_DEVICES"

// Task processes one named item and returns a short status message.
type Task func(ctx context.Context, name string) (string, error)

// Result is the outcome of one item. Results are returned in input order.
type Result struct {
	Name    string
	Message string
	Err     error
	Elapsed time.Duration
}

// Pool runs tasks over a fixed set of goroutines.
type Pool struct {
	// Workers is the number of goroutines; zero or less means DefaultWorkers.
	Workers int
	// Startup runs once in each worker goroutine before it takes jobs.
	Startup func(id int)
	// Label prefixes the progress bar.
	Label string
	// Progress receives the progress bar; nil disables it.
	Progress io.Writer
	Logger   *logging.Logger
}

type job struct {
	index int
	name  string
}

// DefaultWorkers is one less than the logical core count, at least one.
func DefaultWorkers() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 2 {
		return 1
	}
	return n - 1
}

var hideOnce sync.Once

// HideAccelerators makes GPU devices invisible to anything the process loads.
// It is meant to be used as a Pool startup hook.
func HideAccelerators(int) {
	hideOnce.Do(func() {
		os.Setenv(AcceleratorEnv, "-1")
	})
}

// Run processes names with task and waits for all of them. A failing or
// panicking task only affects its own Result. Items not started before ctx
// is cancelled report ctx.Err().
func (p *Pool) Run(ctx context.Context, names []string, task Task) []Result {
	results := make([]Result, len(names))
	if len(names) == 0 {
		return results
	}
	if err := ctx.Err(); err != nil {
		for i, name := range names {
			results[i] = Result{Name: name, Err: err}
		}
		p.Logger.Warn("%s cancelled before start: %v", p.label(), err)
		return results
	}

	workers := p.Workers
	if workers <= 0 {
		workers = DefaultWorkers()
	}
	if workers > len(names) {
		workers = len(names)
	}

	// The container outlives ctx: a cancelled mpb context refuses new bars.
	progress := mpb.New(mpb.WithWidth(80), mpb.WithOutput(p.Progress))
	bar := progress.AddBar(int64(len(names)),
		mpb.PrependDecorators(
			decor.Name(p.label()+": "),
			decor.CountersNoUnit("%d / %d", decor.WCSyncSpace),
		),
		mpb.AppendDecorators(
			decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO), "done!"),
		),
	)

	jobs := make(chan job, workers*2)
	var wg sync.WaitGroup

	for w := 1; w <= workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if p.Startup != nil {
				p.Startup(id)
			}
			for j := range jobs {
				results[j.index] = p.runOne(ctx, id, j.name, task)
				bar.Increment()
			}
		}(w)
	}

	for i, name := range names {
		jobs <- job{index: i, name: name}
	}
	close(jobs)
	wg.Wait()

	bar.SetTotal(-1, true)
	progress.Wait()
	return results
}

func (p *Pool) label() string {
	if p.Label == "" {
		return "Processing"
	}
	return p.Label
}

func (p *Pool) runOne(ctx context.Context, id int, name string, task Task) (res Result) {
	res.Name = name
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("worker %d panicked on %s: %v", id, name, r)
			p.Logger.Debug("%s", debug.Stack())
		}
		res.Elapsed = time.Since(start)
		if res.Err != nil {
			p.Logger.Warn("Worker %d: %s failed: %v", id, name, res.Err)
		} else {
			p.Logger.Debug("Worker %d: %s", id, res.Message)
		}
	}()

	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	res.Message, res.Err = task(ctx, name)
	return res
}

// Failed returns the results that carry an error.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}
