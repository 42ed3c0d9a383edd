package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/pysugar/notedeck/internal/backend"
	"github.com/pysugar/notedeck/internal/bili"
	"github.com/pysugar/notedeck/internal/config"
	"github.com/pysugar/notedeck/internal/db"
	"github.com/pysugar/notedeck/internal/events"
	"github.com/pysugar/notedeck/internal/logging"
	"github.com/pysugar/notedeck/internal/modelcatalog"
	"github.com/pysugar/notedeck/internal/modelconfig"
	"github.com/pysugar/notedeck/internal/panel"
	"github.com/pysugar/notedeck/internal/providers/catalog"
	"github.com/pysugar/notedeck/internal/selection"
	"github.com/pysugar/notedeck/internal/steps"
	"github.com/pysugar/notedeck/internal/tasks"
	"github.com/pysugar/notedeck/internal/version"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const usage = `usage: notedeck <command> [flags]

commands:
  serve     run the console (default)
  migrate   convert a legacy model config document, or upgrade the stored one
  models    resolve and print the available models
  check     ping the backend and test every configured instance
  version   print build information
`

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "migrate":
		err = runMigrate(args)
	case "models":
		err = runModels(args)
	case "check":
		err = runCheck(args)
	case "version":
		fmt.Println(version.String())
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "notedeck %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

// app holds the components shared by every command.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	db       *gorm.DB
	bus      *events.Bus
	client   *backend.Client
	catalog  *catalog.Catalog
	configs  *modelconfig.Store
	resolver *modelcatalog.Resolver
	tracker  *selection.Tracker
}

func parseFlags(name string, args []string) (string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	path := fs.String("config", "", "path to notedeck.yaml")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	return *path, nil
}

func bootstrap(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		return nil, err
	}

	database, err := db.InitDB(cfg.Store.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	origin := uuid.NewString()
	settings := db.NewSettingsStore(database, origin)
	transports := []events.Transport{
		events.NewStorageTransport(settings, origin, cfg.Events.StoragePollInterval, map[string]events.Topic{
			db.KeyModelConfigs:  events.TopicModelConfigs,
			db.KeySelectedModel: events.TopicSelectedModel,
		}, logger),
	}
	if cfg.Events.RedisURL != "" {
		rdb, err := events.ConnectRedis(cfg.Events.RedisURL)
		if err != nil {
			logger.Warn("redis unavailable, cross-process events use the local store only", zap.Error(err))
		} else {
			transports = append(transports, events.NewRedisTransport(rdb, cfg.Events.RedisChannel, logger))
		}
	}
	bus := events.NewBus(origin, logger, transports...)

	client := backend.New(backend.Options{
		BaseURL:       cfg.Backend.BaseURL,
		Timeout:       cfg.Backend.Timeout,
		UploadTimeout: cfg.Backend.UploadTimeout,
		RetryCount:    cfg.Backend.RetryCount,
		Logger:        logger,
	})

	cat, err := catalog.Load(cfg.CatalogFile)
	if err != nil {
		logger.Warn("provider catalog file ignored", zap.Error(err))
	}
	if remote, err := client.Providers(ctx); err != nil {
		logger.Warn("backend provider list unavailable, using local catalog", zap.Error(err))
	} else {
		rp := make([]catalog.RemoteProvider, 0, len(remote))
		for _, p := range remote {
			rp = append(rp, catalog.RemoteProvider{ID: p.ID, Name: p.Name, BaseURL: p.BaseURL})
		}
		cat.Reconcile(rp)
	}

	configs := modelconfig.NewStore(settings, bus, logger)
	configs.Load(ctx)

	cache := db.NewModelListCache(database)
	if n, err := cache.Purge(ctx, time.Now().Add(-24*time.Hour)); err != nil {
		logger.Warn("model cache purge failed", zap.Error(err))
	} else if n > 0 {
		logger.Debug("model cache purged", zap.Int64("entries", n))
	}
	resolver := modelcatalog.NewResolver(client, configs, cat, modelcatalog.Options{
		TTL:         cfg.Models.CacheTTL,
		Concurrency: cfg.Models.Concurrency,
		Cache:       cache,
		Notifier:    bus,
		Logger:      logger,
	})

	tracker := selection.NewTracker(settings, bus, logger)
	tracker.Load(ctx)

	return &app{
		cfg:      cfg,
		logger:   logger,
		db:       database,
		bus:      bus,
		client:   client,
		catalog:  cat,
		configs:  configs,
		resolver: resolver,
		tracker:  tracker,
	}, nil
}

func (a *app) Close() {
	a.tracker.Close()
	a.resolver.Close()
	a.configs.Close()
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = a.logger.Sync()
}

func runServe(args []string) error {
	configPath, err := parseFlags("serve", args)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	modelConfig := func(ctx context.Context) (*backend.ModelConfig, error) {
		return a.tracker.ModelConfig(ctx, a.resolver)
	}
	registry := tasks.NewRegistry(a.bus, logger)
	svc := tasks.NewService(a.client, registry, modelConfig, a.cfg.Tasks.ListLimit, logger)
	if _, err := svc.Refresh(ctx); err != nil {
		logger.Warn("initial task list unavailable", zap.Error(err))
	}
	manager := steps.NewManager(a.client, registry, steps.Config{
		PollInterval:   a.cfg.Tasks.PollInterval,
		RequestTimeout: a.cfg.Backend.Timeout,
		ModelConfig:    modelConfig,
		Notifier:       a.bus,
		Logger:         logger,
	})
	defer manager.Close()

	biliSession := bili.NewSession(a.client, a.bus, a.cfg.Bili.LogLimit, logger)
	streamURL, err := backend.StreamURL(a.cfg.Backend.BaseURL)
	if err != nil {
		return err
	}
	stream := bili.NewStream(streamURL, biliSession, bili.StreamOptions{
		ReconnectDelay:    a.cfg.Bili.ReconnectDelay,
		HeartbeatInterval: a.cfg.Bili.HeartbeatInterval,
		Logger:            logger,
	})

	srv := panel.New(panel.Deps{
		Catalog:   a.catalog,
		Configs:   a.configs,
		Resolver:  a.resolver,
		Selection: a.tracker,
		Tasks:     svc,
		Steps:     manager,
		Bili:      biliSession,
		Bus:       a.bus,
		Files:     a.client,
		Logger:    logger,
	})

	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	srv.Routes(r)

	go func() {
		if err := a.bus.Run(ctx); err != nil {
			logger.Error("event bus stopped", zap.Error(err))
		}
	}()
	go func() {
		_ = stream.Run(ctx)
	}()

	httpServer := &http.Server{
		Addr:              a.cfg.ListenAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("notedeck starting",
			zap.String("addr", "http://"+a.cfg.ListenAddr()),
			zap.String("backend", a.client.BaseURL()),
			zap.String("version", version.Version))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}

// runMigrate prints the canonical form of a legacy document read from -in (or
// stdin with -in -). Without -in it upgrades the document held in the local store.
func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to notedeck.yaml")
	in := fs.String("in", "", "legacy JSON file to convert, - for stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *in != "" {
		var (
			raw []byte
			err error
		)
		if *in == "-" {
			raw, err = io.ReadAll(os.Stdin)
		} else {
			raw, err = os.ReadFile(*in)
		}
		if err != nil {
			return err
		}
		configs, err := modelconfig.Migrate(raw)
		if err != nil {
			return err
		}
		doc, err := configs.Marshal()
		if err != nil {
			return err
		}
		var out bytes.Buffer
		if err := json.Indent(&out, doc, "", "  "); err != nil {
			return err
		}
		fmt.Println(out.String())
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	database, err := db.InitDB(cfg.Store.Path, nil)
	if err != nil {
		return err
	}
	if sqlDB, err := database.DB(); err == nil {
		defer sqlDB.Close()
	}

	ctx := context.Background()
	store := modelconfig.NewStore(db.NewSettingsStore(database, uuid.NewString()), nil, nil)
	configs := store.Load(ctx)
	if err := store.Save(ctx, configs); err != nil {
		return fmt.Errorf("rewrite model configs: %w", err)
	}
	fmt.Printf("store %s is at schema version %d (%d providers)\n", cfg.Store.Path, modelconfig.SchemaVersion, len(configs))
	return nil
}

func runModels(args []string) error {
	configPath, err := parseFlags("models", args)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	a, err := bootstrap(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.resolver.Resolve(ctx)
	if err != nil {
		return err
	}
	selected, _, err := a.tracker.Reconcile(ctx, res.Models)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tID\tNAME\tVISION")
	for _, m := range res.Models {
		mark := ""
		if m.ID == selected {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%v\n", mark, m.ID, m.Name, m.SupportsVision)
	}
	_ = tw.Flush()
	for _, f := range res.Failures {
		fmt.Fprintf(os.Stderr, "failed: %s/%s: %s\n", f.Provider, f.InstanceID, f.Error)
	}
	for _, s := range res.Skipped {
		fmt.Fprintf(os.Stderr, "skipped (no api key): %s\n", s)
	}
	return nil
}

// runCheck pings the backend, then tests every configured instance.
func runCheck(args []string) error {
	configPath, err := parseFlags("check", args)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	a, err := bootstrap(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	providers, err := a.client.Providers(ctx)
	if err != nil {
		return fmt.Errorf("backend %s unreachable: %s", a.client.BaseURL(), backend.Message(err))
	}
	fmt.Printf("backend %s ok, %d providers\n", a.client.BaseURL(), len(providers))

	var failed int
	for _, ref := range a.configs.Snapshot().Instances() {
		label := fmt.Sprintf("%s/%s (%s)", ref.Provider, ref.Instance.ID, ref.Instance.Name)
		msg, err := a.resolver.TestConnection(ctx, ref.Provider, ref.Instance.ID)
		if err != nil {
			failed++
			fmt.Printf("FAIL %s: %s\n", label, backend.Message(err))
			continue
		}
		fmt.Printf("ok   %s: %s\n", label, msg)
	}
	if failed > 0 {
		return fmt.Errorf("%d instance(s) failed", failed)
	}
	return nil
}
