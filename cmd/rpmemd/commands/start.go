package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/openpmem/rpmem/internal/logger"
	"github.com/openpmem/rpmem/internal/poolset"
	"github.com/openpmem/rpmem/pkg/config"
	"github.com/openpmem/rpmem/pkg/metrics"
	"github.com/openpmem/rpmem/pkg/rpmemd"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Serve one OOB session over stdin/stdout",
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.New(), "rpmemd", cfgFile)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Output: logOutput(cfg)}); err != nil {
		return fmt.Errorf("rpmemd: logger init: %w", err)
	}

	db := poolset.NewDB(cfg.PoolSetDir, 0o600)
	if err := db.CheckDir(); err != nil {
		return fmt.Errorf("rpmemd: poolset-dir %q: %w", cfg.PoolSetDir, err)
	}

	// No exporter is registered: spans are created and timed so
	// LogContext can carry a trace/span id, but nothing ships them
	// anywhere. Wiring a real OTLP exporter is operational config, not
	// something this package decides for its caller.
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Error("rpmemd: tracer provider shutdown failed", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reg *metrics.Registry
	if cfg.MetricsPort != 0 {
		reg = metrics.New()
		go func() {
			addr := fmt.Sprintf(":%d", cfg.MetricsPort)
			if err := reg.Serve(ctx, addr); err != nil {
				logger.ErrorCtx(ctx, "rpmemd: metrics server stopped", "error", err)
			}
		}()
		logger.InfoCtx(ctx, "rpmemd: metrics enabled", "port", cfg.MetricsPort)
	}

	var daemon *rpmemd.Daemon
	if reg != nil {
		daemon = rpmemd.New(db, cfg, reg.Dataplane)
	} else {
		daemon = rpmemd.New(db, cfg, nil)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.InfoCtx(ctx, "rpmemd: shutdown signal received")
		cancel()
	}()

	if reg != nil {
		return rpmemd.Serve(ctx, stdioStream{}, daemon, reg.OOB)
	}
	return rpmemd.Serve(ctx, stdioStream{}, daemon, nil)
}

func logOutput(cfg *config.Config) string {
	if cfg.LogFile != "" {
		return cfg.LogFile
	}
	return "stderr"
}

// stdioStream adapts the process's stdin/stdout into the
// io.ReadWriteCloser rpmemd.Serve expects, since rpmemd is spawned as
// the remote side of an SSH session rather than dialed directly.
type stdioStream struct{}

func (stdioStream) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioStream) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdioStream) Close() error {
	_ = os.Stdin.Close()
	return os.Stdout.Close()
}

var _ io.ReadWriteCloser = stdioStream{}
