// ECGSeq: heartbeat sequence datasets from time-frequency scalograms
// Copyright (C) 2026  Guillermo Perry
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"ecgseq/internal/config"
	"ecgseq/internal/logging"
	"ecgseq/pkg/analyzer"
	"ecgseq/pkg/checkpoint"
	"ecgseq/pkg/encoder"
	"ecgseq/pkg/evaluate"
	"ecgseq/pkg/feed"
	"ecgseq/pkg/loader"
	"ecgseq/pkg/scalogram"
	"ecgseq/pkg/schema"
	"ecgseq/pkg/sliding"
	"ecgseq/pkg/splits"
	"ecgseq/pkg/worker"
)

type command struct {
	name  string
	usage string
	run   func(env *env, args []string) error
}

var commands = []command{
	{"preprocess", "compute per-beat scalograms and the metadata index", runPreprocess},
	{"encode", "write sequence-batch containers for records", runEncode},
	{"verify", "check containers against the encoding manifest", runVerify},
	{"split", "create the record-level test hold-out and k folds", runSplit},
	{"stats", "fit normalization statistics on training records", runStats},
	{"labels", "derive sequence labels, step counts and class weights", runLabels},
	{"inspect", "print the entries of a sequence-batch container", runInspect},
	{"serve", "stream batches to a training loop over HTTP", runServe},
	{"report", "score predictions against the evaluation stream labels", runReport},
}

// env is shared by every subcommand.
type env struct {
	cfg      *config.Config
	logger   *logging.Logger
	stdout   io.Writer
	stderr   io.Writer
	progress io.Writer
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "ECGSeq - heartbeat sequence dataset tooling\n\n")
	fmt.Fprintf(w, "Usage: ecgseq <command> [options]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-11s %s\n", c.name, c.usage)
	}
	fmt.Fprintf(w, "\nRun 'ecgseq <command> -h' for command options.\n")
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "help" {
		usage(stderr)
		if len(args) == 0 {
			return 2
		}
		return 0
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == args[0] {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		usage(stderr)
		return 2
	}

	e, rest, err := setup(cmd.name, args[1:], stdout, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return 1
	}
	defer e.logger.Close()

	if err := cmd.run(e, rest); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		e.logger.Error("%s failed: %v", cmd.name, err)
		fmt.Fprintf(stderr, "%s failed: %v\n", cmd.name, err)
		return 1
	}
	return 0
}

// setup parses the global options that precede command options.
func setup(name string, args []string, stdout, stderr io.Writer) (*env, []string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "JSON config file")
	level := fs.String("log-level", "", "override log level (debug, info, warn, error)")
	quiet := fs.Bool("quiet", false, "disable progress bars")

	// global options are parsed up to the first unknown flag
	var globals, rest []string
	for i := 0; i < len(args); i++ {
		a := strings.TrimLeft(args[i], "-")
		key := strings.SplitN(a, "=", 2)[0]
		if key == "config" || key == "log-level" || key == "quiet" {
			globals = append(globals, args[i])
			if !strings.Contains(a, "=") && key != "quiet" && i+1 < len(args) {
				globals = append(globals, args[i+1])
				i++
			}
			continue
		}
		rest = append(rest, args[i])
	}
	if err := fs.Parse(globals); err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return nil, nil, err
	}
	if *level != "" {
		cfg.Logging.Level = *level
	}
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}

	e := &env{cfg: cfg, logger: logger, stdout: stdout, stderr: stderr, progress: stderr}
	if *quiet {
		e.progress = nil
	}
	return e, rest, nil
}

func newFlagSet(e *env, name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	return fs
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func loadIndex(e *env) ([]schema.BeatMeta, error) {
	index, err := schema.LoadIndex(e.cfg.MetadataPath())
	if err != nil {
		return nil, fmt.Errorf("run preprocess first: %w", err)
	}
	return index, nil
}

// selectRecords resolves the record list of a command from -records, a split
// plan, or the configured record names, in that order.
func selectRecords(e *env, records, plan string, fold int, part string) ([]string, error) {
	if records != "" {
		return splitList(records), nil
	}
	if plan == "" {
		return e.cfg.Data.RecordNames, nil
	}
	p, err := splits.Load(plan)
	if err != nil {
		return nil, err
	}
	switch part {
	case "test":
		return p.FinalTestRecords, nil
	case "kfold", "final-train":
		return p.KFoldRecords, nil
	case "train", "val":
		f, err := p.Fold(fold, e.cfg.Training.KFolds)
		if err != nil {
			return nil, err
		}
		if part == "train" {
			return f.Train, nil
		}
		return f.Validation, nil
	}
	return nil, fmt.Errorf("unknown split part %q (train, val, kfold, test)", part)
}

func runPreprocess(e *env, args []string) error {
	fs := newFlagSet(e, "preprocess")
	records := fs.String("records", "", "comma-separated records (default: configured list)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	p, err := scalogram.New(scalogram.Options{
		RawDir:         e.cfg.Data.RawDir,
		OutDir:         e.cfg.Data.PreprocessedDir,
		SamplesPerBeat: e.cfg.Data.SamplesPerBeat,
		Scales:         e.cfg.Data.WaveletScales,
		Workers:        e.cfg.Encoder.Workers,
		Progress:       e.progress,
		Logger:         e.logger,
	})
	if err != nil {
		return err
	}

	names := e.cfg.Data.RecordNames
	if *records != "" {
		names = splitList(*records)
	}
	ctx, cancel := signalContext()
	defer cancel()

	e.logger.Info("Preprocessing %d records with %s", len(names), worker.Snapshot())
	index, results, err := p.Run(ctx, names)
	if err != nil {
		return err
	}
	failed := worker.Failed(results)
	for _, r := range failed {
		fmt.Fprintf(e.stdout, "Failed: %s: %v\n", r.Name, r.Err)
	}
	fmt.Fprintf(e.stdout, "Preprocessed %d records (%d failed), %d beats\n", len(results)-len(failed), len(failed), len(index))
	return nil
}

func runEncode(e *env, args []string) error {
	fs := newFlagSet(e, "encode")
	records := fs.String("records", "", "comma-separated records (default: all records in the metadata index)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	index, err := loadIndex(e)
	if err != nil {
		return err
	}
	names := schema.RecordNames(index)
	if *records != "" {
		names = splitList(*records)
	}

	if err := os.MkdirAll(e.cfg.Data.ContainerDir, 0755); err != nil {
		return err
	}
	if err := encoder.CleanTemp(e.cfg.Data.ContainerDir); err != nil {
		return err
	}
	manifest, err := checkpoint.OpenDir(e.cfg.Data.ContainerDir)
	if err != nil {
		return err
	}
	defer manifest.Close()

	enc, err := encoder.New(encoder.Options{
		PreprocessedDir:   e.cfg.Data.PreprocessedDir,
		ContainerDir:      e.cfg.Data.ContainerDir,
		SequenceLen:       e.cfg.Data.SequenceLen,
		BatchSizePerChunk: e.cfg.Encoder.BatchSizePerChunk,
		Workers:           e.cfg.Encoder.Workers,
		Progress:          e.progress,
		Logger:            e.logger,
	}, index, manifest)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	sum, err := enc.EncodeAll(ctx, names)
	if err != nil {
		return err
	}
	for _, r := range sum.Results {
		if r.Err != nil {
			fmt.Fprintf(e.stdout, "Error: %s: %v\n", r.Name, r.Err)
		} else {
			fmt.Fprintln(e.stdout, r.Message)
		}
	}
	fmt.Fprintf(e.stdout, "Encoded %d, skipped %d, failed %d records; %d windows\n", sum.Encoded, sum.Skipped, sum.Failed, sum.Windows)
	if sum.Encoded == 0 && len(names) > 0 {
		return fmt.Errorf("no record was encoded")
	}
	return nil
}

func runVerify(e *env, args []string) error {
	fs := newFlagSet(e, "verify")
	if err := fs.Parse(args); err != nil {
		return err
	}
	manifest, err := checkpoint.OpenDir(e.cfg.Data.ContainerDir)
	if err != nil {
		return err
	}
	defer manifest.Close()

	mismatches, err := manifest.Verify(e.cfg.Data.ContainerDir, schema.ContainerPath)
	if err != nil {
		return err
	}
	for _, m := range mismatches {
		fmt.Fprintf(e.stdout, "%s: %s\n", m.Record, m.Reason)
	}
	if len(mismatches) > 0 {
		return fmt.Errorf("%d containers out of date", len(mismatches))
	}
	fmt.Fprintln(e.stdout, "All containers match the manifest")
	return nil
}

func runSplit(e *env, args []string) error {
	fs := newFlagSet(e, "split")
	out := fs.String("out", "", "run directory (default: <runs_dir>/run_<id>)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	plan, err := splits.NewPlan(e.cfg.Data.RecordNames, e.cfg.Training.TestFraction, e.cfg.Training.KFolds, e.cfg.Environment.RandomSeed)
	if err != nil {
		return err
	}
	dir := *out
	if dir == "" {
		dir = filepath.Join(e.cfg.Environment.RunsDir, "run_"+plan.RunID)
	}
	path, err := plan.Save(dir)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "Run %s: %d k-fold records, %d test records, %d folds\n",
		plan.RunID, len(plan.KFoldRecords), len(plan.FinalTestRecords), len(plan.Folds))
	fmt.Fprintf(e.stdout, "Data splits saved to %s\n", path)
	return nil
}

func runStats(e *env, args []string) error {
	fs := newFlagSet(e, "stats")
	records := fs.String("records", "", "comma-separated training records")
	plan := fs.String("splits", "", "data_splits.json or its run directory")
	fold := fs.Int("fold", 0, "fold whose training records are used")
	part := fs.String("part", "train", "split part when -splits is given (train, kfold)")
	out := fs.String("out", "", "write statistics JSON to this path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *part == "val" || *part == "test" {
		return fmt.Errorf("statistics are fit on training records only, not %q", *part)
	}

	names, err := selectRecords(e, *records, *plan, *fold, *part)
	if err != nil {
		return err
	}
	stats, err := analyzer.FitScaler(names, e.cfg.Data.PreprocessedDir, e.cfg.Encoder.StatsChunkSize, e.logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "Fit %d rows of width %d over %d records (%d skipped)\n",
		stats.Count, len(stats.Mean), len(stats.Records), len(stats.Skipped))
	if *out != "" {
		if err := stats.SaveToFile(*out); err != nil {
			return err
		}
		fmt.Fprintf(e.stdout, "Statistics saved to %s\n", *out)
	}
	return nil
}

func runLabels(e *env, args []string) error {
	fs := newFlagSet(e, "labels")
	records := fs.String("records", "", "comma-separated records")
	plan := fs.String("splits", "", "data_splits.json or its run directory")
	fold := fs.Int("fold", 0, "fold index")
	part := fs.String("part", "train", "split part (train, val, kfold, test)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	index, err := loadIndex(e)
	if err != nil {
		return err
	}
	names, err := selectRecords(e, *records, *plan, *fold, *part)
	if err != nil {
		return err
	}
	labels := sliding.NewGenerator(e.cfg.Data.SequenceLen, 1).SequenceLabels(index, names)
	weights := sliding.ClassWeights(labels)

	counts := make(map[int32]int)
	for _, l := range labels {
		counts[l]++
	}
	fmt.Fprintf(e.stdout, "Sequences: %d, steps at batch %d: %d\n",
		len(labels), e.cfg.Training.BatchSize, sliding.Steps(len(labels), e.cfg.Training.BatchSize))
	for _, c := range sliding.Classes(labels) {
		name := fmt.Sprint(c)
		if int(c) < len(e.cfg.Data.ClassNames) {
			name = e.cfg.Data.ClassNames[c]
		}
		fmt.Fprintf(e.stdout, "  %-8s count %-7d weight %.4f\n", name, counts[c], weights[c])
	}
	return nil
}

func runInspect(e *env, args []string) error {
	fs := newFlagSet(e, "inspect")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("inspect needs a record name or container path")
	}

	for _, arg := range fs.Args() {
		path := arg
		if !strings.HasSuffix(path, schema.ContainerExt) {
			path = schema.ContainerPath(e.cfg.Data.ContainerDir, arg)
		}
		entries, err := schema.ReadContainer(path)
		if err != nil {
			return err
		}
		total := 0
		hist := make(map[int32]int)
		for i, entry := range entries {
			labels, err := entry.Labels()
			if err != nil {
				return fmt.Errorf("entry %d: %w", i, err)
			}
			for _, l := range labels {
				hist[l]++
			}
			total += int(entry.NumInBatch)
			fmt.Fprintf(e.stdout, "%s entry %d: [%d %d %d %d]\n", filepath.Base(path), i,
				entry.NumInBatch, entry.SequenceLen, entry.Height, entry.Width)
		}
		classes := make([]int32, 0, len(hist))
		for c := range hist {
			classes = append(classes, c)
		}
		sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })
		var parts []string
		for _, c := range classes {
			parts = append(parts, fmt.Sprintf("%d:%d", c, hist[c]))
		}
		fmt.Fprintf(e.stdout, "%s: %d entries, %d sequences, labels {%s}\n",
			filepath.Base(path), len(entries), total, strings.Join(parts, " "))
	}
	return nil
}

func readerOptions(e *env, seed int64) loader.Options {
	return loader.Options{
		BatchSize:     e.cfg.Training.BatchSize,
		CycleLength:   e.cfg.Reader.CycleLength,
		ShuffleBuffer: e.cfg.Reader.ShuffleBuffer,
		Prefetch:      e.cfg.Reader.PrefetchDepth,
		Seed:          seed,
		Logger:        e.logger,
	}
}

func runServe(e *env, args []string) error {
	fs := newFlagSet(e, "serve")
	plan := fs.String("splits", "", "data_splits.json or its run directory")
	fold := fs.Int("fold", -1, "fold to serve; -1 serves the final k-fold/test split")
	statsPath := fs.String("stats", "", "statistics JSON (default: fit on the training records)")
	raw := fs.Bool("raw", false, "serve unnormalized sequences")
	addr := fs.String("addr", "", "listen address (default: configured)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *plan == "" {
		return fmt.Errorf("serve needs -splits")
	}

	index, err := loadIndex(e)
	if err != nil {
		return err
	}
	trainPart, evalPart := "kfold", "test"
	if *fold >= 0 {
		trainPart, evalPart = "train", "val"
	}
	train, err := selectRecords(e, "", *plan, *fold, trainPart)
	if err != nil {
		return err
	}
	eval, err := selectRecords(e, "", *plan, *fold, evalPart)
	if err != nil {
		return err
	}

	var stats *analyzer.Stats
	switch {
	case *raw:
	case *statsPath != "":
		if stats, err = analyzer.LoadStats(*statsPath); err != nil {
			return err
		}
	default:
		if stats, err = analyzer.FitScaler(train, e.cfg.Data.PreprocessedDir, e.cfg.Encoder.StatsChunkSize, e.logger); err != nil {
			return err
		}
	}

	srv, err := feed.New(feed.Options{
		ContainerDir: e.cfg.Data.ContainerDir,
		TrainRecords: train,
		EvalRecords:  eval,
		Index:        index,
		SequenceLen:  e.cfg.Data.SequenceLen,
		Reader:       readerOptions(e, e.cfg.Environment.RandomSeed),
		Stats:        stats,
		Logger:       e.logger,
	})
	if err != nil {
		return err
	}

	listen := e.cfg.Server.Addr
	if *addr != "" {
		listen = *addr
	}
	ctx, cancel := signalContext()
	defer cancel()
	return srv.Run(ctx, listen)
}

func runReport(e *env, args []string) error {
	fs := newFlagSet(e, "report")
	records := fs.String("records", "", "comma-separated evaluation records")
	plan := fs.String("splits", "", "data_splits.json or its run directory")
	fold := fs.Int("fold", 0, "fold index")
	part := fs.String("part", "test", "split part (val, test)")
	predPath := fs.String("predictions", "", "JSON array of predicted classes in evaluation stream order")
	out := fs.String("out", "", "directory for classification_report.txt and report.json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *predPath == "" {
		return fmt.Errorf("report needs -predictions")
	}

	names, err := selectRecords(e, *records, *plan, *fold, *part)
	if err != nil {
		return err
	}
	truth, err := evaluationLabels(e, names)
	if err != nil {
		return err
	}
	pred, err := evaluate.LoadPredictions(*predPath)
	if err != nil {
		return err
	}

	report, err := evaluate.Evaluate(truth, pred, e.cfg.Data.ClassNames)
	if err != nil {
		return err
	}
	fmt.Fprint(e.stdout, report.String())

	if *out != "" {
		if err := os.MkdirAll(*out, 0755); err != nil {
			return err
		}
		if err := report.SaveText(filepath.Join(*out, "classification_report.txt")); err != nil {
			return err
		}
		if err := report.SaveJSON(filepath.Join(*out, "report.json")); err != nil {
			return err
		}
	}
	return nil
}

// evaluationLabels returns true labels in evaluation stream order. The
// stream interleaves records, so labels come from reading it rather than
// from the metadata index.
func evaluationLabels(e *env, records []string) ([]int32, error) {
	r, err := loader.NewReader(e.cfg.Data.ContainerDir, records, readerOptions(e, 0))
	if err != nil {
		return nil, err
	}
	batches, err := loader.Collect(context.Background(), r)
	if err != nil {
		return nil, err
	}
	var labels []int32
	for _, b := range batches {
		labels = append(labels, b.Labels...)
	}
	return labels, nil
}
