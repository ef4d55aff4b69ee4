// Package main is the entry point for the Cairn S3-compatible object storage server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cairnstore/cairn/internal/config"
	"github.com/cairnstore/cairn/internal/engine"
	"github.com/cairnstore/cairn/internal/lifecycle"
	"github.com/cairnstore/cairn/internal/logging"
	"github.com/cairnstore/cairn/internal/metrics"
	"github.com/cairnstore/cairn/internal/presign"
	"github.com/cairnstore/cairn/internal/server"
	"github.com/cairnstore/cairn/internal/snapshot"
	"github.com/cairnstore/cairn/internal/storage"
)

func main() {
	configPath := flag.String("config", "cairn.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 9000)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	backend := flag.String("backend", "", "override blob backend: memory, local, sqlite, aws, gcp, azure")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	shutdownTimeout := flag.Int("shutdown-timeout", 0, "graceful shutdown timeout in seconds (default: from config or 30)")
	snapshotPath := flag.String("snapshot", "", "override catalog snapshot path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = config.Default()
	}

	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *backend != "" {
		cfg.Storage.Backend = *backend
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}
	if *snapshotPath != "" {
		cfg.Snapshot.Path = *snapshotPath
		if cfg.Snapshot.IntervalSeconds == 0 {
			cfg.Snapshot.IntervalSeconds = 60
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if cfg.Metrics.Enabled {
		metrics.Register()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	blobBackend, err := openBackend(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize storage backend: %v\n", err)
		os.Exit(1)
	}
	if c, ok := blobBackend.(storage.Closer); ok {
		defer c.Close()
	}

	blobs := storage.NewBlobStore(blobBackend, "")
	e := engine.New(blobs, engine.Options{
		Region:        cfg.Server.Region,
		MinPartSize:   int64(cfg.Engine.MinPartSize),
		MaxObjectSize: int64(cfg.Server.MaxObjectSize),
	})

	var snap *snapshot.Store
	if cfg.Snapshot.Path != "" {
		snap, err = restore(ctx, cfg.Snapshot.Path, e)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to restore snapshot: %v\n", err)
			os.Exit(1)
		}
		defer snap.Close()
		go snap.Run(ctx, e, time.Duration(cfg.Snapshot.IntervalSeconds)*time.Second)
	}

	if cfg.Lifecycle.IntervalSeconds > 0 {
		sweeper := lifecycle.New(e, lifecycle.Options{MaxActions: cfg.Lifecycle.MaxActionsPerRun})
		go sweeper.Run(ctx, time.Duration(cfg.Lifecycle.IntervalSeconds)*time.Second)
	}

	presigner, err := presign.New(presign.Options{
		Endpoint:  cfg.Server.PublicURL,
		Region:    cfg.Server.Region,
		AccessKey: cfg.Auth.AccessKey,
		SecretKey: cfg.Auth.SecretKey,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create presigner: %v\n", err)
		os.Exit(1)
	}

	srv := server.New(cfg, e, presigner)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Cairn listening", "addr", addr, "backend", cfg.Storage.Backend, "region", cfg.Server.Region)
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("Received signal, shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		if snap != nil {
			if _, err := snap.Save(shutdownCtx, e); err != nil {
				slog.Error("Final snapshot failed", "error", err)
			}
		}
		slog.Info("Server stopped")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}

// restore opens the snapshot at path, loads it into e and removes backend
// blobs that no restored version or part references.
func restore(ctx context.Context, path string, e *engine.Engine) (*snapshot.Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}
	snap, err := snapshot.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := snap.Load(ctx, e)
	if err != nil {
		snap.Close()
		return nil, err
	}
	slog.Info("Catalog restored", "path", path, "buckets", st.Buckets, "versions", st.Versions, "uploads", st.Uploads)

	if _, err := e.Blobs().CollectGarbage(ctx); err != nil {
		slog.Warn("Orphan blob collection failed", "error", err)
	}
	e.RefreshGauges()
	return snap, nil
}

// openBackend builds the blob backend selected by cfg.Storage.Backend.
func openBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	sc := cfg.Storage
	switch sc.Backend {
	case "memory":
		b, err := storage.NewMemoryBackend(int64(sc.Memory.MaxSize), sc.Memory.SnapshotPath,
			time.Duration(sc.Memory.SnapshotIntervalSeconds)*time.Second)
		if err != nil {
			return nil, err
		}
		slog.Info("Storage backend initialized", "backend", "memory", "max_size", sc.Memory.MaxSize)
		return b, nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(sc.SQLite.Path), 0o755); err != nil {
			return nil, fmt.Errorf("creating sqlite directory: %w", err)
		}
		b, err := storage.NewSQLiteBackend(sc.SQLite.Path)
		if err != nil {
			return nil, err
		}
		slog.Info("Storage backend initialized", "backend", "sqlite", "path", sc.SQLite.Path)
		return b, nil
	case "aws":
		b, err := storage.NewAWSBackend(ctx, storage.AWSOptions{
			Bucket:       sc.AWS.Bucket,
			Region:       sc.AWS.Region,
			Prefix:       sc.AWS.Prefix,
			Endpoint:     sc.AWS.Endpoint,
			UsePathStyle: sc.AWS.Endpoint != "",
		})
		if err != nil {
			return nil, err
		}
		slog.Info("Storage backend initialized", "backend", "aws", "bucket", sc.AWS.Bucket, "region", sc.AWS.Region, "prefix", sc.AWS.Prefix)
		return b, nil
	case "gcp":
		b, err := storage.NewGCPBackend(ctx, sc.GCP.Bucket, sc.GCP.Project, sc.GCP.Prefix)
		if err != nil {
			return nil, err
		}
		slog.Info("Storage backend initialized", "backend", "gcp", "bucket", sc.GCP.Bucket, "project", sc.GCP.Project, "prefix", sc.GCP.Prefix)
		return b, nil
	case "azure":
		b, err := storage.NewAzureBackend(ctx, sc.Azure.Container, sc.Azure.AccountURL, sc.Azure.Prefix,
			os.Getenv("AZURE_STORAGE_CONNECTION_STRING"))
		if err != nil {
			return nil, err
		}
		slog.Info("Storage backend initialized", "backend", "azure", "container", sc.Azure.Container, "account", sc.Azure.AccountURL, "prefix", sc.Azure.Prefix)
		return b, nil
	default:
		if err := os.MkdirAll(sc.Local.RootDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating storage root directory: %w", err)
		}
		b, err := storage.NewLocalBackend(sc.Local.RootDir)
		if err != nil {
			return nil, err
		}
		if err := b.CleanTempFiles(); err != nil {
			slog.Warn("Failed to clean temp files", "error", err)
		}
		slog.Info("Storage backend initialized", "backend", "local", "root", sc.Local.RootDir)
		return b, nil
	}
}
