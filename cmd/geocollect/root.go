package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/geocollect/geocollect/internal/cache"
	catalogsqlite "github.com/geocollect/geocollect/internal/catalog/sqlite"
	"github.com/geocollect/geocollect/internal/config"
	"github.com/geocollect/geocollect/internal/creds"
	"github.com/geocollect/geocollect/internal/logctx"
	"github.com/geocollect/geocollect/internal/provider"
	"github.com/geocollect/geocollect/internal/provider/creodias"
	"github.com/geocollect/geocollect/internal/provider/dataspace"
	"github.com/geocollect/geocollect/internal/provider/landsat"
	"github.com/geocollect/geocollect/internal/provider/onda"
	"github.com/geocollect/geocollect/internal/provider/stac"
	"github.com/geocollect/geocollect/internal/provider/usgs"
	"github.com/geocollect/geocollect/internal/telemetry"
	"github.com/geocollect/geocollect/internal/transfer"
)

// app carries the wired dependencies shared by all commands.
type app struct {
	cfg    *config.Config
	store  cache.Store
	engine *transfer.Engine
	tel    *telemetry.Telemetry

	db          *sql.DB
	collections *catalogsqlite.CollectionRepository
	downloads   *catalogsqlite.DownloadRepository

	metricsServer *http.Server
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "geocollect",
		Short:         "Harvest Earth observation imagery from pluggable catalog providers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.teardown(cmd.Context())
		},
	}

	root.AddCommand(newSearchCmd(a))
	root.AddCommand(newDownloadCmd(a))
	root.AddCommand(newProvidersCmd(a))
	root.AddCommand(newStatusCmd(a))

	return root
}

func (a *app) setup(ctx context.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	a.cfg = cfg

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	a.tel, err = telemetry.New(ctx, telemetry.Config{
		Enabled:     cfg.MetricsBindAddr != "",
		ServiceName: "geocollect",
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	a.store, err = openStore(cfg)
	if err != nil {
		return err
	}

	// Catalog API calls get a short timeout; streamed downloads a long one.
	// Both clients report through the OpenTelemetry transport.
	apiClient := &http.Client{
		Timeout:   cfg.RequestTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	downloadClient := &http.Client{
		Timeout:   cfg.DownloadTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	a.engine = transfer.NewEngine(downloadClient,
		transfer.WithMaxRetries(cfg.MaxRetries),
		transfer.WithSkipChecksum(cfg.SkipChecksum),
		transfer.WithProgress(cfg.ShowProgress),
	)

	a.db, err = catalogsqlite.InitDB(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}

	a.collections = catalogsqlite.NewCollectionRepository(a.db)
	a.downloads = catalogsqlite.NewDownloadRepository(a.db)

	a.registerProviders(apiClient)

	if cfg.MetricsBindAddr != "" {
		a.startMetricsServer(logctx.WithLogger(ctx, logger))
	}

	return nil
}

func (a *app) teardown(ctx context.Context) error {
	if a.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.metricsServer.Close()
		}
	}

	if a.tel != nil {
		a.tel.Shutdown(ctx)
	}

	if a.db != nil {
		a.db.Close()
	}

	if a.store != nil {
		return a.store.Close()
	}

	return nil
}

// registerProviders installs one lazy factory per configured driver. Factories
// only fail when the command actually asks for a provider whose credentials
// are missing. Every driver is wrapped with telemetry.
func (a *app) registerProviders(httpClient *http.Client) {
	cfg := a.cfg

	a.register("dataspace", func() (provider.Provider, error) {
		return dataspace.New(httpClient, a.store, a.engine, dataspace.Config{
			Username: cfg.Dataspace.Username,
			Password: cfg.Dataspace.Password,
			ClientID: cfg.Dataspace.ClientID,
			TokenURL: cfg.Dataspace.TokenURL,
			APIURL:   cfg.Dataspace.APIURL,
			Workers:  cfg.MaxWorkers,
			PoolSize: cfg.TokenPoolSize,
		})
	})

	a.register("creodias", func() (provider.Provider, error) {
		return creodias.New(httpClient, a.store, a.engine, creodias.Config{
			Username: cfg.Creodias.Username,
			Password: cfg.Creodias.Password,
			ClientID: cfg.Creodias.ClientID,
			TokenURL: cfg.Creodias.TokenURL,
			APIURL:   cfg.Creodias.APIURL,
			Workers:  cfg.MaxWorkers,
			PoolSize: cfg.TokenPoolSize,
		})
	})

	a.register("onda", func() (provider.Provider, error) {
		pool, err := creds.NewPool(context.Background(), a.store, a.ondaAccounts(),
			creds.WithLimit(cfg.AccountLimit),
			creds.WithKey("onda:accounts"),
		)
		if err != nil {
			return nil, err
		}

		return onda.New(httpClient, pool, a.engine, onda.Config{
			APIURL:  cfg.Onda.APIURL,
			Workers: cfg.MaxWorkers,
		})
	})

	a.register("usgs", func() (provider.Provider, error) {
		return usgs.New(httpClient, a.engine, usgs.Config{
			Username: cfg.USGS.Username,
			Password: cfg.USGS.Password,
			APIURL:   cfg.USGS.APIURL,
			Workers:  cfg.MaxWorkers,
		})
	})

	a.register("stac", func() (provider.Provider, error) {
		return stac.New(httpClient, a.engine, stac.Config{
			APIURL:      cfg.STAC.URL,
			AccessToken: cfg.STAC.AccessToken,
			Workers:     cfg.MaxWorkers,
		})
	})

	a.register("landsat", func() (provider.Provider, error) {
		return landsat.New(context.Background(), landsat.Config{
			Bucket:  cfg.Landsat.Bucket,
			Region:  cfg.Landsat.Region,
			Workers: cfg.MaxWorkers,
		})
	})
}

// register installs a factory whose driver reports through the telemetry
// instruments under name.
func (a *app) register(name string, factory provider.Factory) {
	provider.Register(name, func() (provider.Provider, error) {
		drv, err := factory()
		if err != nil {
			return nil, err
		}

		return provider.Instrument(name, drv, a.tel), nil
	})
}

// ondaAccounts merges the provider login with the shared account list.
func (a *app) ondaAccounts() []creds.Account {
	var accounts []creds.Account

	if a.cfg.Onda.Username != "" {
		accounts = append(accounts, creds.Account{Username: a.cfg.Onda.Username, Password: a.cfg.Onda.Password})
	}

	for _, pair := range a.cfg.Accounts {
		username, password, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}

		accounts = append(accounts, creds.Account{Username: username, Password: password})
	}

	return accounts
}

func openStore(cfg *config.Config) (cache.Store, error) {
	switch cfg.CacheBackend {
	case "memory":
		return cache.NewMemoryStore(), nil
	case "sqlite":
		return cache.NewSQLiteStore(cfg.CachePath)
	}

	return nil, fmt.Errorf("invalid cache backend: %s", cfg.CacheBackend)
}

func (a *app) startMetricsServer(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	r := chi.NewRouter()
	r.Handle("/metrics", a.tel.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	a.metricsServer = &http.Server{
		Addr:         a.cfg.MetricsBindAddr,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		logger.Info("serving metrics", "host", a.cfg.MetricsBindAddr)

		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "err", err)
		}
	}()
}
