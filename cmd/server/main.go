package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/tailscale/hujson"
	"go.uber.org/zap"

	"github.com/halvardkv/bitvault/core"
	"github.com/halvardkv/bitvault/service"
)

// fileConfig mirrors the subset of cmd/server flags an operator may also
// set from a commented-JSON config file. Flags override file values, file
// values override the built-in defaults below.
type fileConfig struct {
	StorageDir    string `json:"storage_dir,omitempty"`
	FileSizeLimit int64  `json:"file_size_limit,omitempty"`
	KeepOldFiles  *bool  `json:"keep_old_files,omitempty"`
	Addr          string `json:"addr,omitempty"`
	LogLevel      string `json:"log_level,omitempty"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config %q: %w", path, err)
	}
	return cfg, nil
}

func main() {
	var (
		storageDir    = pflag.String("storage-dir", "", "path to the storage directory (required)")
		fileSizeLimit = pflag.Int64("file-size-limit", 0, "segment rollover threshold in bytes (0 = engine default)")
		keepOldFiles  = pflag.Bool("keep-old-files", false, "back up retired segments instead of deleting them on merge")
		addr          = pflag.String("addr", ":8080", "HTTP listen address")
		logLevel      = pflag.String("log-level", "info", "zap log level (debug, info, warn, error)")
		configPath    = pflag.String("config", "", "path to an optional bitvault.hjson config file")
	)
	pflag.Parse()

	fileCfg, err := loadFileConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *storageDir == "" && fileCfg.StorageDir != "" {
		*storageDir = fileCfg.StorageDir
	}
	if *storageDir == "" {
		fmt.Fprintln(os.Stderr, "usage: server --storage-dir <data-dir> [--addr :8080]")
		os.Exit(1)
	}
	if !isFlagSet("file-size-limit") && fileCfg.FileSizeLimit > 0 {
		*fileSizeLimit = fileCfg.FileSizeLimit
	}
	if !isFlagSet("keep-old-files") && fileCfg.KeepOldFiles != nil {
		*keepOldFiles = *fileCfg.KeepOldFiles
	}
	if !isFlagSet("addr") && fileCfg.Addr != "" {
		*addr = fileCfg.Addr
	}
	if !isFlagSet("log-level") && fileCfg.LogLevel != "" {
		*logLevel = fileCfg.LogLevel
	}

	logger, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck
	sugar := logger.Sugar()

	opts := []core.Option{core.WithLogger(sugar), core.WithKeepOldFiles(*keepOldFiles)}
	if *fileSizeLimit > 0 {
		opts = append(opts, core.WithRolloverThreshold(*fileSizeLimit))
	}

	eng, err := core.Open(*storageDir, opts...)
	if err != nil {
		sugar.Fatalf("could not open storage directory %q: %v", *storageDir, err)
	}

	httpSrv := service.New(*addr, eng, sugar)

	go func() {
		sugar.Infow("bitvault server listening", "addr", *addr, "storage_dir", *storageDir)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalf("http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	sugar.Infow("shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		sugar.Errorw("http shutdown", "err", err)
	}
	if err := eng.Close(); err != nil {
		sugar.Errorw("engine close", "err", err)
	}
}

func isFlagSet(name string) bool {
	found := false
	pflag.Visit(func(f *pflag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return cfg.Build()
}
