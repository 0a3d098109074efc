package pipeline

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/podscope/pcapscrub/pkg/capture"
)

// BatchOptions configures a multi-file run: a worker pool processes files
// concurrently and independently, each with its own RunOptions-derived
// stage pipeline. File-level ordering across workers is not preserved;
// each file's own frame order always is.
type BatchOptions struct {
	RunOptions

	// Workers caps concurrent file pipelines. Defaults to the number of
	// logical CPUs if zero or negative.
	Workers int

	// OutputDir receives the default "<stem>_processed.<ext>" output
	// for each input file.
	OutputDir string

	// MaxTempBytes bounds the combined size of leftover inter-stage temp
	// files swept from RunOptions.TempDir before the batch starts
	// (capture.SweepTempDir). Defaults to 2GiB if zero or negative.
	MaxTempBytes int64
}

// FileResult is one input file's outcome.
type FileResult struct {
	InputPath  string
	OutputPath string
	Stats      Stats
	Err        error
}

// RunBatch processes every file in inputs concurrently, each through its
// own Run call sharing the same RunOptions (Observer included — stage
// names in published Events are not file-qualified, matching the single-
// file contract; a caller that needs per-file attribution should wrap
// Observer per invocation instead of sharing BatchOptions across calls
// with different Observers).
func RunBatch(inputs []string, opts BatchOptions) []FileResult {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
		if workers < 1 {
			workers = 1
		}
	}

	tempDir := opts.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	maxTempBytes := opts.MaxTempBytes
	if maxTempBytes <= 0 {
		maxTempBytes = 2 << 30
	}
	capture.SweepTempDir(tempDir, maxTempBytes)

	jobs := make(chan string)
	results := make([]FileResult, len(inputs))

	var wg sync.WaitGroup
	var mu sync.Mutex
	indexByPath := make(map[string]int, len(inputs))
	for i, p := range inputs {
		indexByPath[p] = i
	}

	worker := func() {
		defer wg.Done()
		for in := range jobs {
			out := defaultOutputPath(in, opts.OutputDir)
			stats, err := Run(in, out, opts.RunOptions)

			mu.Lock()
			idx := indexByPath[in]
			results[idx] = FileResult{InputPath: in, OutputPath: out, Stats: stats, Err: err}
			mu.Unlock()
		}
	}

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go worker()
	}

	for _, in := range inputs {
		jobs <- in
	}
	close(jobs)

	wg.Wait()
	return results
}

// defaultOutputPath derives "<stem>_processed.<ext>" in dir (or beside
// the input if dir is empty).
func defaultOutputPath(input, dir string) string {
	base := filepath.Base(input)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	name := stem + "_processed" + ext

	if dir == "" {
		return filepath.Join(filepath.Dir(input), name)
	}
	return filepath.Join(dir, name)
}
