package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/desertthunder/setgraph/internal/metrics"
	"github.com/desertthunder/setgraph/internal/shared"
)

// Runner holds the dependencies shared by CLI commands and provides a method
// per command action.
type Runner struct {
	logger *log.Logger
	output io.Writer
}

// RunnerOpts contains configuration options for creating a Runner.
type RunnerOpts struct {
	Logger *log.Logger
	Output io.Writer
}

// NewRunner creates a new Runner with the provided options.
func NewRunner(opts RunnerOpts) *Runner {
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	return &Runner{logger: opts.Logger, output: opts.Output}
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range [](func(*Runner) *cli.Command){
		setupCommand, scrapeCommand, resolveCommand, retryWorkerCommand, parseCommand,
	} {
		commands = append(commands, fn(r))
	}
	return commands
}

// loadConfig reads the config file named by the --config flag and applies the
// configured log level.
func (r *Runner) loadConfig(cmd *cli.Command) (*shared.Config, error) {
	config, err := shared.LoadConfig(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	shared.SetLogLevel(r.logger, shared.ParseLogLevel(config.LogLevel))
	return config, nil
}

// serveMetrics exposes the Prometheus registry for the lifetime of the
// context when a listen address is configured.
func (r *Runner) serveMetrics(ctx context.Context, cfg shared.MetricsConfig, registry *metrics.Registry) {
	if cfg.Addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.Handler())
	server := &http.Server{Addr: cfg.Addr, Handler: mux}

	go func() {
		<-ctx.Done()
		server.Close()
	}()
	go func() {
		r.logger.Info("metrics listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("metrics listener failed", "err", err)
		}
	}()
}

func (r *Runner) writeJSON(data any, pretty bool) error {
	var output []byte
	var err error

	if pretty {
		output, err = json.MarshalIndent(data, "", "  ")
	} else {
		output, err = json.Marshal(data)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if _, err := r.output.Write(append(output, '\n')); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
