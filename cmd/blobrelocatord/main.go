package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/rollbar/rollbar-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	br "gitlab.com/secure-storage/blobrelocator"
	"gitlab.com/secure-storage/blobrelocator/azureblob"
	"gitlab.com/secure-storage/blobrelocator/config"
	"gitlab.com/secure-storage/blobrelocator/gcloudstorage"
	"gitlab.com/secure-storage/blobrelocator/http"
	"gitlab.com/secure-storage/blobrelocator/inmem"
	"gitlab.com/secure-storage/blobrelocator/relocator"
	"gitlab.com/secure-storage/blobrelocator/router"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Setup signal handlers.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Instantiate a new type to represent our application.
	// This type lets us shared setup code with our end-to-end tests.
	m, err := NewMain(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Execute program.
	if err := m.Run(ctx); err != nil {
		m.Close()
		m.Logger.Error("startup failed", zap.Error(err))
		br.ReportError(ctx, err)
		os.Exit(1)
	}

	// Wait for CTRL-C.
	<-ctx.Done()

	// Clean up program.
	if err := m.Close(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Main represents the program.
type Main struct {
	Config *config.Config
	Logger *zap.Logger

	// HTTP server for handling Event Grid deliveries.
	// The router is attached to it before running.
	HTTPServer *http.Server
	Store      br.BlobStore

	closers []func() error
}

// NewMain returns a new instance of Main.
func NewMain(ctx context.Context, cfg *config.Config) (*Main, error) {
	logger, err := NewLogger(cfg.Log.Level)
	if err != nil {
		return nil, err
	}

	m := &Main{
		Config:     cfg,
		Logger:     logger,
		HTTPServer: http.NewServer(logger),
	}

	switch cfg.Storage.Backend {
	case config.BackendAzure:
		// Ambient identity: environment, workload identity, managed identity or CLI login.
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("azure credential: %w", err)
		}
		store := azureblob.NewBlobStoreService(azureblob.NewAzureBlob(cred), logger.Named("azureblob"))
		store.CopyPollInterval = cfg.Relocator.CopyPollInterval
		m.Store = store
	case config.BackendGCS:
		gcs, err := gcloudstorage.NewGCloudStorage(ctx, cfg.Storage.GCS.ProjectID, cfg.Storage.GCS.ServiceAccount)
		if err != nil {
			return nil, err
		}
		m.closers = append(m.closers, gcs.Close)
		m.Store = gcloudstorage.NewCloudStorageService(gcs, logger.Named("gcloudstorage"))
	case config.BackendMemory:
		logger.Warn("using in-memory storage, objects do not survive a restart")
		m.Store = inmem.NewStore()
	}

	return m, nil
}

// NewLogger builds the production JSON logger at level.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	logConfig := zap.NewProductionConfig()
	logConfig.Level = zap.NewAtomicLevelAt(lvl)
	logConfig.EncoderConfig.TimeKey = "timestamp"
	logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return logConfig.Build()
}

// Close gracefully stops the program.
func (m *Main) Close() error {
	if m.HTTPServer != nil {
		if err := m.HTTPServer.Close(); err != nil {
			return err
		}
	}
	for _, closer := range m.closers {
		if err := closer(); err != nil {
			return err
		}
	}
	if m.Config.Rollbar.Token != "" {
		rollbar.Close()
	}
	m.Logger.Sync()
	return nil
}

// Run executes the program. The configuration should already be set up before
// calling this function.
func (m *Main) Run(ctx context.Context) (err error) {
	// Initialize error tracking.
	if token := m.Config.Rollbar.Token; token != "" {
		rollbar.SetToken(token)
		rollbar.SetEnvironment(m.Config.Rollbar.Environment)
		rollbar.SetCodeVersion(br.Version)
		rollbar.SetServerRoot("gitlab.com/secure-storage/blobrelocator")
		br.ReportError = func(ctx context.Context, err error, args ...interface{}) {
			rollbar.Error(append([]interface{}{err}, args...)...)
		}
		br.ReportPanic = func(err interface{}) {
			rollbar.LogPanic(err, true)
		}
		m.Logger.Info("rollbar error tracking enabled")
	}

	// Instantiate the relocation services.
	reloc := relocator.NewRelocator(m.Store, map[br.Destination]string{
		br.DestinationQuarantine: m.Config.Destinations.Quarantine,
		br.DestinationClean:      m.Config.Destinations.Clean,
	}, m.Logger.Named("relocator"))
	reloc.TokenTTL = m.Config.Relocator.TokenTTL
	reloc.RetainSourceOnCopyFailure = m.Config.Relocator.RetainSourceOnCopyFailure

	rtr := router.NewRouter(reloc, m.Logger.Named("router"))
	rtr.EventType = m.Config.Event.Type
	rtr.MaliciousVerdict = m.Config.Verdict.Malicious
	rtr.CleanVerdict = m.Config.Verdict.Clean

	// Copy configuration settings to the HTTP server.
	m.HTTPServer.Addr = m.Config.HTTP.Addr
	m.HTTPServer.Domain = m.Config.HTTP.Domain
	m.HTTPServer.WebhookKey = m.Config.HTTP.WebhookKey
	m.HTTPServer.Dispatcher = rtr

	// Start the HTTP server.
	if err := m.HTTPServer.Open(); err != nil {
		return err
	}

	// If TLS enabled, redirect non-TLS connections to TLS.
	if m.HTTPServer.UseTLS() {
		go func() {
			if err := http.ListenAndServeTLSRedirect(m.Config.HTTP.Domain); err != nil {
				m.Logger.Error("tls redirect server stopped", zap.Error(err))
			}
		}()
	}

	// Enable internal debug endpoints.
	go func() {
		if err := http.ListenAndServeDebug(m.Config.HTTP.DebugAddr); err != nil {
			m.Logger.Error("debug server stopped", zap.Error(err))
		}
	}()

	m.Logger.Info("running",
		zap.String("url", m.HTTPServer.URL()),
		zap.String("debug", m.Config.HTTP.DebugAddr),
		zap.String("backend", m.Config.Storage.Backend),
	)
	return nil
}
