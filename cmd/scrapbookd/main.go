package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	scrapbookd "scrapbookd/internal/scrapbookd"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	var (
		help        = flag.Bool("h", false, "Show help")
		helpLong    = flag.Bool("help", false, "Show help")
		verbose     = flag.Bool("v", false, "Accepted but has no effect (successful HTTP requests are logged with -d/-debug)")
		verboseLong = flag.Bool("verbose", false, "Accepted but has no effect (successful HTTP requests are logged with -d/-debug)")
		debug       = flag.Bool("d", false, "Enable debug logging")
		debugLong   = flag.Bool("debug", false, "Enable debug logging")
		addr        = flag.String("addr", ":8080", "Address to listen on")
		root        = flag.String("root", ".", "Physical root of the virtual namespace")
	)
	flag.Parse()

	if *help || *helpLong {
		_, _ = fmt.Fprintf(os.Stdout, "Usage: %s [flags]\n\n", os.Args[0])
		flag.PrintDefaults()
		_, _ = fmt.Fprintf(os.Stdout, "\nEnvironment Variables:\n\n")
		_, _ = fmt.Fprintf(os.Stdout, "  SCRAPBOOKD_APP_NAME, SCRAPBOOKD_APP_THEME, SCRAPBOOKD_APP_BASE\n")
		_, _ = fmt.Fprintf(os.Stdout, "  SCRAPBOOKD_ZIP_CACHE_MAX_OPEN, SCRAPBOOKD_ZIP_INTEGRITY_FAIL_TTL\n")
		_, _ = fmt.Fprintf(os.Stdout, "  SCRAPBOOKD_TOKEN_EXPIRY, SCRAPBOOKD_TOKEN_PURGE_INTERVAL\n")
		_, _ = fmt.Fprintf(os.Stdout, "  SCRAPBOOKD_HTTP_TRUSTED_SOURCES\n")
		_, _ = fmt.Fprintf(os.Stdout, "See the repository's .wsb/config.toml for the full option set.\n")
		os.Exit(0)
	}

	verboseEnabled := *verbose || *verboseLong
	debugEnabled := *debug || *debugLong

	logger := scrapbookd.NewLogger(scrapbookd.LoggerOptions{
		Verbose: verboseEnabled,
		Debug:   debugEnabled,
	})

	absRoot, err := filepath.Abs(*root)
	if err != nil {
		log.Fatalf("Failed to resolve root: %v", err)
	}

	logger.Debug("Loading configuration", "root", absRoot)
	cfg, err := scrapbookd.LoadConfig(absRoot)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger.Debug("Initializing metrics")
	reg := prometheus.NewRegistry()
	metrics := scrapbookd.NewMetrics(reg)

	logger.Debug("Initializing zip integrity cache", "fail_ttl", cfg.ZipIntegrityFailTTL)
	zipIntegrityCache := scrapbookd.NewZipIntegrityCache(cfg.ZipIntegrityFailTTL, time.Now, nil, metrics)

	logger.Debug("Initializing archive handle cache", "max_open", cfg.ZipCacheMaxOpen)
	archiveCache := scrapbookd.NewArchiveHandleCache(cfg.ZipCacheMaxOpen, metrics, cfg.ZipCacheMaxConcurrency)

	logger.Debug("Initializing entry content cache", "max_bytes", cfg.EntryCacheMaxBytes)
	entryCache := scrapbookd.NewEntryContentCache(cfg.EntryCacheMaxBytes, metrics)

	zipReader := scrapbookd.NewZipReader(zipIntegrityCache)
	zipReader.SetArchiveHandleCache(archiveCache)
	zipReader.SetEntryContentCache(entryCache)

	watcher, err := scrapbookd.NewCacheWatcher(archiveCache, entryCache, logger)
	if err != nil {
		logger.Error("Failed to initialize cache watcher", "error", err)
		os.Exit(1)
	}
	if err := watcher.Watch(absRoot); err != nil {
		logger.Warn("Failed to watch root for archive changes", "error", err)
	}
	go watcher.Start()
	defer func() { _ = watcher.Close() }()

	env := &scrapbookd.Env{
		Config:       cfg,
		Resolver:     scrapbookd.NewResolver(absRoot),
		Locks:        scrapbookd.NewLockRegistry(cfg.LockDir(), metrics),
		Tokens:       scrapbookd.NewTokenStore(cfg.TokenDir(), cfg.TokenExpiry, cfg.TokenPurgeInterval, metrics),
		Perms:        scrapbookd.NewPermissionGate(cfg.Auth, logger),
		Metrics:      metrics,
		ZipReader:    zipReader,
		ArchiveCache: archiveCache,
		EntryCache:   entryCache,
		Listing:      scrapbookd.NewListingFormatter(),
		Logger:       logger,
	}

	server := scrapbookd.NewServer(cfg, env)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during server shutdown", "error", err)
		}
	}()

	logger.Info("Starting scrapbookd", "addr", *addr, "root", absRoot)
	if err := server.ListenAndServe(*addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", "error", err)
		os.Exit(1)
	}

	logger.Info("Server stopped")
}
