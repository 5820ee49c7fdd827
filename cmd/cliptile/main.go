// Command cliptile segments transcripts into topically coherent clips.
//
// With -transcript it segments one file and prints the clips as JSON. With
// -serve it runs the HTTP API, the MCP endpoint and the optional inbox
// watcher until interrupted.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/cliptile/internal/app"
	"github.com/MrWong99/cliptile/internal/config"
	"github.com/MrWong99/cliptile/internal/inbox"
	"github.com/MrWong99/cliptile/internal/mcp"
	"github.com/MrWong99/cliptile/internal/observe"
	"github.com/MrWong99/cliptile/pkg/transcript"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is main without the exit, so tests can drive a full startup.
func run(args []string) int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	fs := flag.NewFlagSet("cliptile", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file")
	transcriptPath := fs.String("transcript", "", "segment this transcript (.json, .srt or .vtt) and exit")
	outPath := fs.String("out", "", "write the clips JSON here instead of stdout (with -transcript)")
	serve := fs.Bool("serve", false, "run the HTTP server")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if (*transcriptPath == "") == !*serve {
		fmt.Fprintln(os.Stderr, "cliptile: exactly one of -transcript or -serve is required")
		fs.Usage()
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "cliptile: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "cliptile: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("cliptile starting",
		"version", version,
		"config", *configPath,
		"serve", *serve,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.ServiceName(),
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(tel.MeterProvider)
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	emb, err := buildEmbedders(ctx, cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	defer func() {
		if err := emb.Close(); err != nil {
			slog.Warn("embedding cache close error", "err", err)
		}
	}()

	application, err := app.New(ctx, cfg, emb.group, app.WithMetrics(metrics))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := application.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	if !*serve {
		if err := segmentFile(ctx, application, *transcriptPath, *outPath); err != nil {
			slog.Error("segmentation failed", "transcript", *transcriptPath, "err", err)
			return 1
		}
		return 0
	}

	if err := serveHTTP(ctx, cfg, *configPath, application, emb, tel, metrics, &level); err != nil {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// segmentFile runs one segmentation and writes the result as indented JSON.
func segmentFile(ctx context.Context, a *app.App, path, outPath string) error {
	tr, err := transcript.LoadFile(path)
	if err != nil {
		return err
	}
	res, err := a.Segment(ctx, path, tr, app.WithEvents(func(e app.Event) {
		switch e.Type {
		case app.EventEmbedded:
			slog.Info("sentences embedded", "sentences", e.Sentences, "model", e.ModelID)
		case app.EventRound:
			slog.Debug("round finished",
				"tier", e.Round.Tier,
				"window", e.Round.WindowSize,
				"round", e.Round.Round,
				"accepted", e.Round.Accepted,
			)
		}
	}))
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("write clips: %w", err)
	}
	slog.Info("segmentation finished", "clips", len(res.Clips), "run_id", res.RunID)
	return nil
}

// serveHTTP runs the API server, the config watcher and the inbox until ctx
// is cancelled, then drains them.
func serveHTTP(ctx context.Context, cfg *config.Config, configPath string, a *app.App, emb *embedders,
	tel *observe.Telemetry, metrics *observe.Metrics, level *slog.LevelVar) error {
	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.SegmentationChanged {
			if err := a.UpdateSegmentation(d.NewSegmentation); err != nil {
				slog.Warn("segmentation change rejected", "err", err)
			} else {
				slog.Info("segmentation settings reloaded")
			}
		}
		if len(d.RestartRequired) > 0 {
			slog.Warn("config sections changed that need a restart", "sections", d.RestartRequired)
		}
	})
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer watcher.Stop()

	jobs := app.NewJobs(a)
	server := app.NewServer(a, jobs,
		app.WithMetricsHandler(cfg.MetricsPath(), tel.MetricsHandler()),
		app.WithMCPHandler(mcp.Handler(a, version)),
		app.WithHealthCheckers(emb.checkers...),
		app.WithServerMetrics(metrics),
	)

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var inboxWatcher *inbox.Watcher
	if cfg.Inbox.Dir != "" {
		if inboxWatcher, err = inbox.New(cfg.Inbox, a); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr, "tls", cfg.Server.TLS != nil)
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	if inboxWatcher != nil {
		g.Go(func() error { return inboxWatcher.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return errors.Join(
			srv.Shutdown(shutdownCtx),
			jobs.Close(shutdownCtx),
		)
	})

	slog.Info("server ready; press Ctrl+C to shut down")
	return g.Wait()
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
