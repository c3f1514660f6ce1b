package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/PentesterFlow/SpecWatch/internal/logger"
	"github.com/PentesterFlow/SpecWatch/internal/output"
	"github.com/PentesterFlow/SpecWatch/internal/queue"
	"github.com/PentesterFlow/SpecWatch/pkg/specwatch"
)

var (
	version = "1.0.0"

	// Global flags
	configFile   string
	storePath    string
	queueDriver  string
	redisAddr    string
	verbose      bool
	debug        bool
	outputFormat string
	outputFile   string
	streamOutput bool

	// Declaration flags
	declareMethod string
	declareHost   string
	declareSpec   string

	// Query flags
	hostFilter  string
	summaryOnly bool
	traceLimit  int

	// Ingestion flags
	workers          int
	backlogThreshold int
	hostRate         float64
	metricsAddr      string
	showProgress     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "specwatch",
		Short: "SpecWatch - API drift detection",
		Long: `SpecWatch - Tracks the endpoints an API actually exposes and reconciles observed
traffic against declared OpenAPI contracts.

Upload specs, feed it request/response traces and it raises alerts for new endpoints,
undeclared operations, contract violations and sensitive data.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Spec commands
	specCmd := &cobra.Command{
		Use:   "spec",
		Short: "Manage spec documents",
	}
	specUploadCmd := &cobra.Command{
		Use:   "upload [name] [file|url]",
		Short: "Upload or replace a spec document from a file or an http(s) URL",
		Long:  "Parse an OpenAPI 3 or Swagger 2 document (JSON or YAML) and reconcile the endpoints it declares.",
		Args:  cobra.ExactArgs(2),
		RunE:  runSpecUpload,
	}
	specDeleteCmd := &cobra.Command{
		Use:   "delete [name]",
		Short: "Delete a spec document, keeping its endpoints",
		Args:  cobra.ExactArgs(1),
		RunE:  runSpecDelete,
	}
	specListCmd := &cobra.Command{
		Use:   "list",
		Short: "List spec documents",
		Args:  cobra.NoArgs,
		RunE:  runSpecList,
	}
	specShowCmd := &cobra.Command{
		Use:   "show [name]",
		Short: "Show a spec document",
		Args:  cobra.ExactArgs(1),
		RunE:  runSpecShow,
	}
	specGenerateCmd := &cobra.Command{
		Use:   "generate [host]",
		Short: "Generate a spec document from observed traffic",
		Args:  cobra.ExactArgs(1),
		RunE:  runSpecGenerate,
	}

	// Endpoint commands
	declareCmd := &cobra.Command{
		Use:   "declare [path]",
		Short: "Declare a path template and merge the identities it covers",
		Args:  cobra.ExactArgs(1),
		RunE:  runDeclare,
	}
	editPathCmd := &cobra.Command{
		Use:   "edit-path [endpoint] [path...]",
		Short: "Declare additional path templates on behalf of an endpoint",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runEditPath,
	}
	suggestCmd := &cobra.Command{
		Use:   "suggest [endpoint]",
		Short: "Suggest path templates from an endpoint's recent traffic",
		Args:  cobra.ExactArgs(1),
		RunE:  runSuggest,
	}
	endpointsCmd := &cobra.Command{
		Use:   "endpoints",
		Short: "List endpoints",
		Args:  cobra.NoArgs,
		RunE:  runEndpoints,
	}
	endpointCmd := &cobra.Command{
		Use:   "endpoint [id]",
		Short: "Show an endpoint with its data fields and traffic",
		Args:  cobra.ExactArgs(1),
		RunE:  runEndpoint,
	}
	alertsCmd := &cobra.Command{
		Use:   "alerts [endpoint]",
		Short: "List alerts, optionally for one endpoint",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runAlerts,
	}
	tracesCmd := &cobra.Command{
		Use:   "traces [endpoint]",
		Short: "List an endpoint's most recent traces",
		Args:  cobra.ExactArgs(1),
		RunE:  runTraces,
	}
	diffCmd := &cobra.Command{
		Use:   "diff [endpoint] [trace.json]",
		Short: "Diff one trace against an endpoint's spec without storing anything",
		Args:  cobra.ExactArgs(2),
		RunE:  runDiff,
	}

	// Ingestion commands
	ingestCmd := &cobra.Command{
		Use:   "ingest [traces.jsonl]",
		Short: "Ingest traces from a JSON-lines file (- for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE:  runIngest,
	}
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Process traces from the bus until interrupted",
		Long:  "Run the ingestion workers against a shared bus (bolt or redis) and expose Prometheus metrics.",
		Args:  cobra.NoArgs,
		RunE:  runWorker,
	}
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show store, bus and metric statistics",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}
	configInitCmd := &cobra.Command{
		Use:   "init-config [file]",
		Short: "Write the default configuration to a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runInitConfig,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file")
	rootCmd.PersistentFlags().StringVarP(&storePath, "store", "s", "", "Database file (default: specwatch.db)")
	rootCmd.PersistentFlags().StringVar(&queueDriver, "queue", "", "Trace bus driver (memory, bolt, redis)")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis", "", "Redis address for the redis bus")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Debug mode")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "f", "", "Output format (json, yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFile, "output", "o", "", "Output file (default: stdout)")
	rootCmd.PersistentFlags().BoolVar(&streamOutput, "stream", false, "Stream list results one record at a time")

	// Declaration flags
	declareCmd.Flags().StringVarP(&declareMethod, "method", "X", "GET", "HTTP method")
	declareCmd.Flags().StringVar(&declareHost, "host", "", "Host the path is served on")
	declareCmd.Flags().StringVar(&declareSpec, "spec", "", "Spec document declaring the path")
	declareCmd.MarkFlagRequired("host")

	// Query flags
	endpointsCmd.Flags().StringVar(&hostFilter, "host", "", "Only list endpoints of this host")
	endpointsCmd.Flags().BoolVar(&summaryOnly, "summary", false, "Print a summary instead of the records")
	alertsCmd.Flags().BoolVar(&summaryOnly, "summary", false, "Print a summary instead of the records")
	tracesCmd.Flags().IntVarP(&traceLimit, "limit", "n", 20, "Maximum number of traces")

	// Ingestion flags
	for _, cmd := range []*cobra.Command{ingestCmd, workerCmd} {
		cmd.Flags().IntVarP(&workers, "workers", "w", 4, "Number of ingestion workers")
		cmd.Flags().IntVar(&backlogThreshold, "backlog", 1000, "Bus length above which new traces are dropped")
		cmd.Flags().Float64Var(&hostRate, "host-rate", 0, "Per-host processing rate in traces/s (0 = unthrottled)")
	}
	ingestCmd.Flags().BoolVarP(&showProgress, "progress", "p", false, "Show a progress line on stderr")
	workerCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on (e.g. :9090)")

	// Add commands
	specCmd.AddCommand(specUploadCmd, specDeleteCmd, specListCmd, specShowCmd, specGenerateCmd)
	rootCmd.AddCommand(specCmd)
	rootCmd.AddCommand(declareCmd, editPathCmd, suggestCmd)
	rootCmd.AddCommand(endpointsCmd, endpointCmd, alertsCmd, tracesCmd, diffCmd)
	rootCmd.AddCommand(ingestCmd, workerCmd, statsCmd, configInitCmd)

	if cmd, err := rootCmd.ExecuteC(); err != nil {
		reportError(cmd, err)
		os.Exit(1)
	}
}

// loadConfig builds the configuration from the config file and the command-line flags.
// Command-line flags take precedence.
func loadConfig(cmd *cobra.Command) (*specwatch.Config, error) {
	config := specwatch.DefaultConfig()
	if configFile != "" {
		fileConfig, err := specwatch.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		config = fileConfig
	}

	flags := cmd.Flags()
	if storePath != "" {
		config.Store.Path = storePath
	}
	if queueDriver != "" {
		config.Queue.Driver = queue.Driver(strings.ToLower(queueDriver))
	}
	if redisAddr != "" {
		config.Queue.Driver = queue.DriverRedis
		config.Queue.Redis.Addr = redisAddr
	}
	if outputFormat != "" {
		config.Output.Format = outputFormat
	}
	if outputFile != "" {
		config.Output.FilePath = outputFile
	}
	if streamOutput {
		config.Output.Stream = true
	}
	if flags.Lookup("workers") != nil && flags.Changed("workers") {
		config.Ingest.Workers = workers
	}
	if flags.Lookup("backlog") != nil && flags.Changed("backlog") {
		config.Ingest.BacklogThreshold = backlogThreshold
	}
	if flags.Lookup("host-rate") != nil && flags.Changed("host-rate") {
		config.Ingest.HostRate = hostRate
	}
	if flags.Lookup("metrics-addr") != nil && flags.Changed("metrics-addr") {
		config.Metrics.Addr = metricsAddr
	}

	switch {
	case debug:
		config.Log.Level = "debug"
	case verbose:
		config.Log.Level = "info"
	case configFile == "":
		config.Log.Level = "warn"
	}
	return config, nil
}

// openEngine creates an engine for cmd. The caller closes it.
func openEngine(cmd *cobra.Command) (*specwatch.Engine, *specwatch.Config, error) {
	config, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	e, err := specwatch.New(specwatch.WithConfig(config))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create engine: %w", err)
	}
	return e, config, nil
}

// openWriter returns the result writer and a function that flushes and releases it.
func openWriter(config *specwatch.Config) (output.Writer, func() error, error) {
	var dest io.Writer = os.Stdout
	var file *os.File
	if config.Output.FilePath != "" {
		f, err := os.Create(config.Output.FilePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create output file: %w", err)
		}
		dest, file = f, f
	}

	w := output.NewWriter(dest, output.Config{
		Format: config.Output.Format,
		Pretty: config.Output.Pretty,
		Stream: config.Output.Stream,
	})
	release := func() error {
		if err := w.Flush(); err != nil {
			return err
		}
		if file != nil {
			return w.Close()
		}
		return nil
	}
	return w, release, nil
}

// withEngine runs fn with an engine and a result writer, releasing both afterwards.
func withEngine(cmd *cobra.Command, fn func(e *specwatch.Engine, w output.Writer) error) (err error) {
	e, config, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	w, release, err := openWriter(config)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := release(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	return fn(e, w)
}

func reportError(cmd *cobra.Command, err error) {
	operation := "specwatch"
	if cmd != nil {
		operation = cmd.CommandPath()
	}
	if outputFormat == "" && !debug {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	w := output.NewWriter(os.Stderr, output.Config{Format: outputFormat, Pretty: true})
	if werr := w.WriteResult(output.NewErrorRecord(err, "", operation)); werr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
}

func logLevel(config *specwatch.Config) logger.Level {
	level, err := logger.ParseLevel(config.Log.Level)
	if err != nil {
		return logger.InfoLevel
	}
	return level
}
