package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/podscope/pcapscrub/pkg/anonymize"
	"github.com/podscope/pcapscrub/pkg/config"
	"github.com/podscope/pcapscrub/pkg/pipeline"
	"github.com/podscope/pcapscrub/pkg/tlsmask"
)

var (
	outputPath       string
	dedupFlag        bool
	anonFlag         bool
	maskFlag         bool
	verbose          bool
	saveReport       bool
	configPath       string
	progressWSAddr   string
	progressGRPCAddr string
)

var capExtensions = map[string]bool{".pcap": true, ".pcapng": true, ".cap": true}

func runScrub(cmd *cobra.Command, args []string) error {
	input := args[0]

	info, err := os.Stat(input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot access %s: %v\n", input, err)
		return exitCode(2)
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitCode(2)
		}
		cfg = loaded
	}
	cfg.ApplyEnvOverrides()

	runOpts, workers := resolveRunOptions(cmd, cfg)
	if !runOpts.Dedup && !runOpts.Anonymize && !runOpts.Mask {
		fmt.Fprintln(os.Stderr, "Error: no operations selected (pass --dedup, --anon, and/or --mask)")
		return exitCode(2)
	}

	// One cancel token shared by the signal handler and the gRPC Cancel
	// method; whichever fires first stops every in-flight worker.
	cancel := make(chan struct{})
	var cancelOnce sync.Once
	requestCancel := func() { cancelOnce.Do(func() { close(cancel) }) }

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		sig := <-sigChan
		fmt.Fprintf(os.Stderr, "\nReceived %v, finishing current frame and stopping...\n", sig)
		requestCancel()

		<-sigChan
		fmt.Fprintln(os.Stderr, "\nForce exit!")
		os.Exit(130)
	}()
	runOpts.Cancel = cancel

	var observers []pipeline.Observer
	if verbose {
		observers = append(observers, pipeline.ObserverFunc(func(e pipeline.Event) {
			if e.Percent >= 0 {
				fmt.Fprintf(os.Stderr, "%s: %d frames (%.0f%%)\n", e.Stage, e.FramesProcessed, e.Percent)
			} else {
				fmt.Fprintf(os.Stderr, "%s: %d frames\n", e.Stage, e.FramesProcessed)
			}
		}))
	}

	wsAddr := cfg.Progress.WSAddr
	if progressWSAddr != "" {
		wsAddr = progressWSAddr
	}
	if wsAddr != "" {
		wsPub := pipeline.NewWSPublisher(cfg.ProgressInterval(), nil)
		defer wsPub.Close()

		mux := http.NewServeMux()
		mux.Handle("/progress", wsPub)
		wsServer := &http.Server{Addr: wsAddr, Handler: mux}
		go func() {
			if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(os.Stderr, "Warning: progress websocket server: %v\n", err)
			}
		}()
		defer wsServer.Close()

		observers = append(observers, wsPub)
	}

	grpcAddr := cfg.Progress.GRPCAddr
	if progressGRPCAddr != "" {
		grpcAddr = progressGRPCAddr
	}
	if grpcAddr != "" {
		grpcServer, grpcPub, err := pipeline.Serve(grpcAddr, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitCode(2)
		}
		defer grpcServer.Stop()

		grpcPub.OnCancel(requestCancel)
		observers = append(observers, grpcPub)
	}

	runOpts.Observer = pipeline.CombineObservers(observers...)

	if info.IsDir() {
		return runDirectory(input, runOpts, workers)
	}
	return runSingleFile(input, runOpts)
}

func resolveRunOptions(cmd *cobra.Command, cfg config.Config) (pipeline.RunOptions, int) {
	dedup := cfg.Dedup.Enabled
	anon := cfg.Anon.Enabled
	mask := cfg.Mask.Enabled
	if cmd.Flags().Changed("dedup") {
		dedup = dedupFlag
	}
	if cmd.Flags().Changed("anon") {
		anon = anonFlag
	}
	if cmd.Flags().Changed("mask") {
		mask = maskFlag
	}

	opts := pipeline.RunOptions{
		Dedup:            dedup,
		Anonymize:        anon,
		Mask:             mask,
		AnonymizeOpts:    anonymizeOptions(cfg),
		MaskOpts:         maskOptions(cfg),
		ThrottleInterval: cfg.ProgressInterval(),
		TempDir:          cfg.Pipeline.TempDir,
	}
	return opts, cfg.Pipeline.Workers
}

// anonymizeOptions passes the configured anonymisation knobs through;
// cfg.Anon already carries the documented defaults via config.Default().
func anonymizeOptions(cfg config.Config) anonymize.Options {
	return anonymize.Options{
		Seed:     cfg.Anon.Seed,
		PrefixV4: cfg.Anon.PrefixV4,
		PrefixV6: cfg.Anon.PrefixV6,
	}
}

func maskOptions(cfg config.Config) tlsmask.Options {
	strategy := tlsmask.StrategyInProcess
	if cfg.Mask.TLSAnalyser.Path != "" {
		strategy = tlsmask.StrategyExternal
	}
	return tlsmask.Options{
		Strategy:                   strategy,
		ExternalAnalyserPath:       cfg.Mask.TLSAnalyser.Path,
		ExternalAnalyserTimeout:    cfg.TLSAnalyserTimeout(),
		ExternalAnalyserMinVersion: cfg.Mask.TLSAnalyser.MinVersion,
	}
}

func runSingleFile(input string, opts pipeline.RunOptions) error {
	ext := filepath.Ext(input)
	if !capExtensions[strings.ToLower(ext)] {
		fmt.Fprintf(os.Stderr, "Error: unsupported extension %q\n", ext)
		return exitCode(2)
	}

	out := outputPath
	if out == "" {
		stem := strings.TrimSuffix(filepath.Base(input), ext)
		out = filepath.Join(filepath.Dir(input), stem+"_processed"+ext)
	}

	stats, err := pipeline.Run(input, out, opts)
	if se, ok := err.(*pipeline.StageError); ok && se.Kind == pipeline.KindCancelled {
		return exitCode(130)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(3)
	}

	if saveReport {
		if err := writeReport(out, stats); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to write report: %v\n", err)
		}
	}
	return nil
}

func runDirectory(input string, opts pipeline.RunOptions, workers int) error {
	entries, err := os.ReadDir(input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(2)
	}

	var inputs []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !capExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		inputs = append(inputs, filepath.Join(input, e.Name()))
	}
	if len(inputs) == 0 {
		fmt.Fprintln(os.Stderr, "Error: no capture files found in directory")
		return exitCode(2)
	}

	outDir := outputPath
	if outDir == "" {
		outDir = strings.TrimSuffix(input, string(filepath.Separator)) + "_processed"
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(2)
	}

	results := pipeline.RunBatch(inputs, pipeline.BatchOptions{
		RunOptions: opts,
		Workers:    workers,
		OutputDir:  outDir,
	})

	var failed, cancelled int
	for _, r := range results {
		if r.Err != nil {
			if se, ok := r.Err.(*pipeline.StageError); ok && se.Kind == pipeline.KindCancelled {
				cancelled++
				continue
			}
			failed++
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", r.InputPath, r.Err)
			continue
		}
		if saveReport {
			if err := writeReport(r.OutputPath, r.Stats); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to write report for %s: %v\n", r.InputPath, err)
			}
		}
	}

	if cancelled > 0 {
		return exitCode(130)
	}
	if failed > 0 {
		return exitCode(3)
	}
	return nil
}

func writeReport(outputPath string, stats pipeline.Stats) error {
	reportPath := outputPath + ".report.json"
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(reportPath, data, 0o644)
}
