package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/PentesterFlow/SpecWatch/internal/fetch"
	"github.com/PentesterFlow/SpecWatch/internal/logger"
	"github.com/PentesterFlow/SpecWatch/internal/metrics"
	"github.com/PentesterFlow/SpecWatch/internal/model"
	"github.com/PentesterFlow/SpecWatch/internal/output"
	"github.com/PentesterFlow/SpecWatch/internal/progress"
	"github.com/PentesterFlow/SpecWatch/internal/queue"
	"github.com/PentesterFlow/SpecWatch/internal/shutdown"
	"github.com/PentesterFlow/SpecWatch/pkg/specwatch"
)

// maxTraceLine bounds one JSON-lines record.
const maxTraceLine = 16 << 20

func runSpecUpload(cmd *cobra.Command, args []string) error {
	name, source := args[0], args[1]

	var raw []byte
	if !fetch.IsURL(source) {
		var err error
		raw, err = os.ReadFile(source)
		if err != nil {
			return fmt.Errorf("failed to read spec file: %w", err)
		}
	}

	return withEngine(cmd, func(e *specwatch.Engine, w output.Writer) error {
		var res *specwatch.UploadResult
		var err error
		if raw == nil {
			res, err = e.UploadSpecFromURL(cmd.Context(), name, source)
		} else {
			res, err = e.UploadSpec(cmd.Context(), name, raw)
		}
		if err != nil {
			return err
		}
		return w.WriteResult(res)
	})
}

func runSpecDelete(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(e *specwatch.Engine, w output.Writer) error {
		detached, err := e.DeleteSpec(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return w.WriteResult(map[string]interface{}{
			"deleted":  args[0],
			"detached": detached,
		})
	})
}

func runSpecList(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(e *specwatch.Engine, w output.Writer) error {
		docs, err := e.ListSpecs()
		if err != nil {
			return err
		}
		type listed struct {
			Name            string    `json:"name" yaml:"name"`
			Extension       string    `json:"extension" yaml:"extension"`
			IsAutoGenerated bool      `json:"is_auto_generated" yaml:"is_auto_generated"`
			Hosts           []string  `json:"hosts" yaml:"hosts"`
			UpdatedAt       time.Time `json:"updated_at" yaml:"updated_at"`
		}
		out := make([]listed, 0, len(docs))
		for _, d := range docs {
			out = append(out, listed{d.Name, d.Extension, d.IsAutoGenerated, d.Hosts, d.UpdatedAt})
		}
		return w.WriteResult(out)
	})
}

func runSpecShow(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(e *specwatch.Engine, w output.Writer) error {
		doc, err := e.GetSpec(args[0])
		if err != nil {
			return err
		}
		return w.WriteResult(doc)
	})
}

func runSpecGenerate(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(e *specwatch.Engine, w output.Writer) error {
		doc, err := e.GenerateSpec(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return w.WriteResult(doc)
	})
}

func runDeclare(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(e *specwatch.Engine, w output.Writer) error {
		res, err := e.ResolveAndMerge(cmd.Context(), args[0], declareMethod, declareHost, declareSpec)
		if err != nil {
			return err
		}
		return w.WriteResult(res)
	})
}

func runEditPath(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(e *specwatch.Engine, w output.Writer) error {
		res, err := e.UpdateEndpointPaths(cmd.Context(), args[0], args[1:])
		if err != nil {
			return err
		}
		return w.WriteResult(res)
	})
}

func runSuggest(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(e *specwatch.Engine, w output.Writer) error {
		suggestions, err := e.SuggestPaths(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return w.WriteResult(suggestions)
	})
}

func runEndpoints(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(e *specwatch.Engine, w output.Writer) error {
		eps, err := e.ListEndpoints(hostFilter)
		if err != nil {
			return err
		}
		if summaryOnly {
			return w.WriteResult(output.SummarizeEndpoints(eps, 10))
		}
		if e.Config().Output.Stream {
			for _, ep := range eps {
				if err := w.WriteEndpoint(ep); err != nil {
					return err
				}
			}
			return nil
		}
		return w.WriteResult(eps)
	})
}

func runEndpoint(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(e *specwatch.Engine, w output.Writer) error {
		detail, err := e.GetEndpoint(args[0])
		if err != nil {
			return err
		}
		return w.WriteResult(detail)
	})
}

func runAlerts(cmd *cobra.Command, args []string) error {
	endpointID := ""
	if len(args) == 1 {
		endpointID = args[0]
	}

	return withEngine(cmd, func(e *specwatch.Engine, w output.Writer) error {
		list, err := e.ListAlerts(endpointID)
		if err != nil {
			return err
		}
		if summaryOnly {
			return w.WriteResult(output.SummarizeAlerts(list))
		}
		if e.Config().Output.Stream {
			for _, a := range list {
				if err := w.WriteAlert(a); err != nil {
					return err
				}
			}
			return nil
		}
		return w.WriteResult(list)
	})
}

func runTraces(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(e *specwatch.Engine, w output.Writer) error {
		traces, err := e.ListTraces(args[0], traceLimit)
		if err != nil {
			return err
		}
		return w.WriteResult(traces)
	})
}

func runDiff(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("failed to read trace file: %w", err)
	}
	var trace model.Trace
	if err := json.Unmarshal(data, &trace); err != nil {
		return fmt.Errorf("failed to parse trace file: %w", err)
	}

	return withEngine(cmd, func(e *specwatch.Engine, w output.Writer) error {
		found, err := e.DiffTraceAgainstSpec(cmd.Context(), &trace, args[0])
		if err != nil {
			return err
		}
		if found == nil {
			found = []*model.Alert{}
		}
		return w.WriteResult(found)
	})
}

// ingestSummary is the result of one ingest run.
type ingestSummary struct {
	Read      int           `json:"read" yaml:"read"`
	Accepted  int           `json:"accepted" yaml:"accepted"`
	Dropped   int           `json:"dropped" yaml:"dropped"`
	Malformed int           `json:"malformed" yaml:"malformed"`
	Processed int           `json:"processed" yaml:"processed"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
}

func runIngest(cmd *cobra.Command, args []string) error {
	var in io.Reader = os.Stdin
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open trace file: %w", err)
		}
		defer f.Close()
		in = f
	}

	return withEngine(cmd, func(e *specwatch.Engine, w output.Writer) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		config := e.Config()
		// A shared bus is left for the workers to process.
		process := config.Queue.Driver == queue.DriverMemory

		sum := ingestSummary{}
		start := time.Now()
		pending := 0

		var bar *progress.Display
		if showProgress {
			bar = progress.New()
			bar.Start(args[0])
			defer bar.Stop()
		}
		report := func() {
			if bar != nil {
				bar.Update(progress.Counts{
					Read:      sum.Read,
					Accepted:  sum.Accepted,
					Dropped:   sum.Dropped,
					Malformed: sum.Malformed,
					Processed: sum.Processed,
					Backlog:   pending,
				})
			}
		}
		drain := func() error {
			if !process || pending == 0 {
				return nil
			}
			n, err := e.Drain(ctx)
			sum.Processed += n
			pending = 0
			return err
		}

		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), maxTraceLine)
		line := 0
		for scanner.Scan() {
			line++
			if len(scanner.Bytes()) == 0 {
				continue
			}
			sum.Read++

			var trace model.Trace
			if err := json.Unmarshal(scanner.Bytes(), &trace); err != nil {
				sum.Malformed++
				w.WriteError(output.NewErrorRecord(err, fmt.Sprintf("line %d", line), "ingest"))
				continue
			}

			if pending >= config.Ingest.BacklogThreshold {
				if err := drain(); err != nil {
					return err
				}
			}
			accepted, err := e.LogTrace(ctx, &trace)
			if err != nil {
				return err
			}
			if !accepted {
				sum.Dropped++
				continue
			}
			sum.Accepted++
			pending++
			report()
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("failed to read traces: %w", err)
		}
		if err := drain(); err != nil {
			return err
		}
		report()

		sum.Duration = time.Since(start)
		return w.WriteResult(sum)
	})
}

func runWorker(cmd *cobra.Command, args []string) error {
	e, config, err := openEngine(cmd)
	if err != nil {
		return err
	}

	h := shutdown.New(shutdown.Config{
		Timeout: config.ShutdownTimeout,
		Logger:  logger.New(logger.Config{Level: logLevel(config), Pretty: config.Log.Pretty}),
	})
	h.RegisterCloser("engine", e)

	if config.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", e.MetricsHandler())
		srv := &http.Server{
			Addr:              config.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.Logger().ErrorEvent(err, config.Metrics.Addr, "metrics_listener")
				h.Trigger()
			}
		}()
		h.Register(shutdown.PhaseIntake, "metrics", srv.Shutdown)
	}

	runDone := make(chan error, 1)
	go func() {
		runDone <- e.Run(h.Context())
		h.Trigger()
	}()
	h.Register(shutdown.PhaseDrain, "workers", func(ctx context.Context) error {
		select {
		case err := <-runDone:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	printBanner(config)
	startTime := time.Now()
	result := h.Wait(context.Background())
	printSummary(e.Metrics().Snapshot(), time.Since(startTime))

	if result.HasErrors() {
		return errors.Join(result.Errors...)
	}
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(e *specwatch.Engine, w output.Writer) error {
		st, err := e.Stats(cmd.Context())
		if err != nil {
			return err
		}
		return w.WriteResult(st)
	})
}

func runInitConfig(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(args[0]); err == nil {
		return fmt.Errorf("%s already exists", args[0])
	}
	if err := specwatch.DefaultConfig().SaveToFile(args[0]); err != nil {
		return err
	}
	fmt.Printf("Configuration written to %s\n", args[0])
	return nil
}

func printBanner(config *specwatch.Config) {
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      SpecWatch Worker                        ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Store:      %s\n", config.Store.Path)
	fmt.Printf("Bus:        %s\n", config.Queue.Driver)
	fmt.Printf("Workers:    %d\n", config.Ingest.Workers)
	fmt.Printf("Backlog:    %d\n", config.Ingest.BacklogThreshold)
	if config.Metrics.Addr != "" {
		fmt.Printf("Metrics:    http://%s/metrics\n", config.Metrics.Addr)
	}
	fmt.Println()
	fmt.Println("Processing traces...")
	fmt.Println()
}

func printSummary(snap *metrics.Snapshot, duration time.Duration) {
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                       Worker Summary                         ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Duration:           %v\n", duration.Round(time.Second))
	fmt.Printf("Traces Processed:   %d\n", snap.TracesProcessed)
	fmt.Printf("Traces Failed:      %d\n", snap.TracesFailed)
	fmt.Printf("Endpoints Created:  %d\n", snap.EndpointsCreated)
	fmt.Printf("Endpoints Merged:   %d\n", snap.EndpointsSuperseded)
	fmt.Printf("Alerts Raised:      %d\n", snap.AlertsRaised)
	fmt.Printf("Diff Failures:      %d\n", snap.DiffFailures)
	fmt.Printf("Avg Diff Time:      %v\n", snap.AverageDiffTime)
	fmt.Println()
}
