package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/redata/internal/config"
	"github.com/agentworkforce/redata/internal/eventstream"
	"github.com/agentworkforce/redata/internal/httpapi"
	"github.com/agentworkforce/redata/internal/progress"
	"github.com/agentworkforce/redata/internal/storage"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", envOrDefault("REDATA_CONFIG", "redata.toml"), "path to the TOML config file")
	addr := flag.String("addr", "", "listen address (overrides server.addr)")
	projectID := flag.Int64("project", 0, "project to load at startup (overrides project_id)")
	flag.Parse()

	cfg, err := config.Load(*configPath, log.Default())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if strings.TrimSpace(*addr) != "" {
		cfg.Server.Addr = strings.TrimSpace(*addr)
	}
	if *projectID != 0 {
		cfg.ProjectID = *projectID
	}

	d, err := newDaemon(cfg, log.Default())
	if err != nil {
		log.Fatalf("failed to initialize: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		_ = d.Close()
		log.Fatalf("failed to listen on %s: %v", cfg.Server.Addr, err)
	}
	log.Printf("redata-progress listening on %s (backend=%s)", ln.Addr(), cfg.Backend.Kind)
	if err := d.Run(rootCtx, ln); err != nil {
		log.Fatalf("daemon failed: %v", err)
	}
}

// daemon owns every long-lived component of the progress service.
type daemon struct {
	cfg        *config.Config
	logger     progress.Logger
	backend    progress.Backend
	store      *progress.Store
	channel    *eventstream.Channel
	controller *progress.Controller
	rehydrator *progress.Rehydrator
	poller     *progress.Poller
	handler    http.Handler
	closers    []io.Closer
}

func newDaemon(cfg *config.Config, logger progress.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = d.Close()
		}
	}()

	backend, err := buildBackend(cfg, logger)
	if err != nil {
		return nil, err
	}
	d.backend = backend
	if closer, isCloser := backend.(io.Closer); isCloser {
		d.closers = append(d.closers, closer)
	}

	var stateBackend progress.StateBackend
	if dsn := cfg.StateDSN(); dsn != "" {
		stateBackend, err = progress.BuildStateBackendFromDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("state backend: %w", err)
		}
	}
	d.store = progress.NewStoreWithOptions(progress.StoreOptions{
		StateBackend:    stateBackend,
		TranscriptLimit: cfg.State.TranscriptLimit,
		Logger:          logger,
	})

	queue, err := eventstream.BuildQueueFromDSN(cfg.QueueDSN(), cfg.Stream.QueueSize)
	if err != nil {
		return nil, fmt.Errorf("event queue: %w", err)
	}
	if queue == nil {
		queue = eventstream.NewInMemoryQueue(cfg.Stream.QueueSize)
	}
	sources, err := buildSources(cfg, logger)
	if err != nil {
		_ = queue.Close()
		return nil, err
	}
	d.channel, err = eventstream.NewChannel(d.store, eventstream.ChannelOptions{
		Queue:       queue,
		Sources:     sources,
		BlockOnFull: cfg.Stream.BlockOnFull,
		Logger:      logger,
	})
	if err != nil {
		_ = queue.Close()
		return nil, err
	}

	d.controller = progress.NewController(d.store, backend, logger)
	d.rehydrator = progress.NewRehydrator(d.store, backend, progress.RehydratorOptions{
		Concurrency: cfg.Poller.Concurrency,
		Logger:      logger,
	})
	d.poller = progress.NewPoller(d.store, backend, progress.PollerOptions{
		Interval:    cfg.Poller.Interval.Duration,
		Jitter:      cfg.Poller.JitterRatio,
		Concurrency: cfg.Poller.Concurrency,
		Timeout:     cfg.Poller.Timeout.Duration,
		Logger:      logger,
	})
	d.handler = httpapi.NewServerWithConfig(httpapi.Components{
		Store:      d.store,
		Controller: d.controller,
		Rehydrator: d.rehydrator,
		Channel:    d.channel,
	}, httpapi.ServerConfig{
		JWTSecret:          cfg.Server.JWTSecret,
		InternalHMACSecret: cfg.Server.InternalHMACSecret,
		InternalMaxSkew:    cfg.Server.InternalMaxSkew.Duration,
		RateLimitMax:       cfg.Server.RateLimitMax,
		RateLimitWindow:    cfg.Server.RateLimitWindow.Duration,
		MaxBodyBytes:       cfg.Server.MaxBodyBytes,
		Logger:             logger,
	})
	ok = true
	return d, nil
}

func buildBackend(cfg *config.Config, logger progress.Logger) (progress.Backend, error) {
	switch cfg.Backend.Kind {
	case "http":
		return storage.NewHTTPClient(cfg.Backend.BaseURL, cfg.Backend.Token, &http.Client{
			Timeout: cfg.Backend.Timeout.Duration,
		}), nil
	case "postgres":
		client, err := storage.NewPostgresClient(cfg.Backend.PostgresDSN, storage.PostgresClientOptions{Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("postgres backend: %w", err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported backend kind: %s", cfg.Backend.Kind)
	}
}

func buildSources(cfg *config.Config, logger progress.Logger) ([]eventstream.Source, error) {
	var sources []eventstream.Source
	if url := strings.TrimSpace(cfg.Stream.WebSocketURL); url != "" {
		header := http.Header{}
		if token := strings.TrimSpace(cfg.Backend.Token); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
		source, err := eventstream.NewWebSocketSource(eventstream.WebSocketSourceOptions{
			URL:    url,
			Header: header,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		sources = append(sources, source)
	}
	if path := strings.TrimSpace(cfg.Stream.EventLog); path != "" {
		source, err := eventstream.NewFileSource(eventstream.FileSourceOptions{
			Path:       path,
			OffsetFile: cfg.Stream.OffsetFile,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		sources = append(sources, source)
	}
	return sources, nil
}

// Run serves on ln until ctx is done, then shuts everything down. The
// configured project is loaded before the server accepts requests; a
// failed load is logged and retried by the caller through /reload.
func (d *daemon) Run(ctx context.Context, ln net.Listener) error {
	defer d.Close()

	d.channel.Start(ctx)
	if d.cfg.ProjectID != 0 {
		if err := d.rehydrator.LoadProject(ctx, d.cfg.ProjectID); err != nil {
			d.logf("initial load of project %d failed: %v", d.cfg.ProjectID, err)
		}
	}

	srv := &http.Server{
		Handler:           d.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.poller.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close stops the channel before the store so no event lands after the
// final state save.
func (d *daemon) Close() error {
	var errs []error
	if d.channel != nil {
		if err := d.channel.Close(); err != nil {
			errs = append(errs, err)
		}
		d.channel = nil
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = append(errs, err)
		}
		d.store = nil
	}
	for _, closer := range d.closers {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

func (d *daemon) logf(format string, args ...any) {
	if d.logger == nil {
		return
	}
	d.logger.Printf(format, args...)
}

func envOrDefault(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}
