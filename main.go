package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/stevemurr/schemadb/config"
	"github.com/stevemurr/schemadb/db"
	"github.com/stevemurr/schemadb/diag"
	"github.com/stevemurr/schemadb/handler"
	"github.com/stevemurr/schemadb/schema"
	"github.com/stevemurr/schemadb/store"
)

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// corsMiddleware wraps an http.Handler with CORS headers.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	// Fast path: wildcard allows everything.
	allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, o := range allowedOrigins {
				if strings.TrimSpace(o) == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
					break
				}
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func main() {
	flags := pflag.NewFlagSet("schemadb", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", env(config.EnvConfigPath, ""), "path to the config file")
	addr := flags.String("addr", "", "listen address (host:port)")
	engine := flags.StringP("engine", "e", "", "storage engine: memory, json, sqlite, sqlite-pure")
	dataDir := flags.String("data-dir", "", "directory for engine files")
	schemaFile := flags.StringP("schema", "s", "", "schema file (.yaml, .json, .jsonc)")
	dbName := flags.String("db", "", "database name")
	debug := flags.Bool("debug", false, "record debug diagnostics")
	flags.Parse(os.Args[1:])

	var (
		cfg  *config.Config
		path string
		err  error
	)
	if *configPath != "" {
		path = *configPath
		cfg, err = config.LoadFromPath(path)
	} else {
		cfg, path, err = config.Load()
	}
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Flags given explicitly win over the file and the environment.
	if flags.Changed("addr") {
		cfg.Addr = *addr
	}
	if flags.Changed("engine") {
		cfg.Database.Engine = *engine
	}
	if flags.Changed("data-dir") {
		cfg.Database.DataDir = *dataDir
	}
	if flags.Changed("schema") {
		cfg.Database.Schema = *schemaFile
	}
	if flags.Changed("db") {
		cfg.Database.Name = *dbName
	}
	if flags.Changed("debug") {
		cfg.Diagnostics.Debug = *debug
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	s, err := schema.Load(cfg.Database.Schema)
	if err != nil {
		log.Fatalf("failed to load schema %s: %v", cfg.Database.Schema, err)
	}

	compression, err := store.ParseCompression(cfg.Database.Compression)
	if err != nil {
		log.Fatalf("invalid compression: %v", err)
	}
	backend, err := store.New(cfg.Database.Engine, cfg.Database.DataDir, store.Options{Compression: compression})
	if err != nil {
		log.Fatalf("failed to create store (engine=%s): %v", cfg.Database.Engine, err)
	}

	mode, err := diag.ParseMode(cfg.Diagnostics.Mode)
	if err != nil {
		log.Fatalf("invalid diagnostics mode: %v", err)
	}
	sink, err := diag.New(diag.Options{
		Mode:        mode,
		File:        cfg.Diagnostics.File,
		APIEndpoint: cfg.Diagnostics.APIEndpoint,
	})
	if err != nil {
		log.Fatalf("failed to create diagnostics sink: %v", err)
	}
	defer diag.Close(sink)

	d, err := db.New(cfg.Database.Name, s, db.Options{
		Debug:   cfg.Diagnostics.Debug,
		Sink:    sink,
		Backend: backend,
	})
	if err != nil {
		log.Fatalf("failed to create database: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Open(ctx); err != nil {
		log.Fatalf("failed to open database %q: %v", cfg.Database.Name, err)
	}
	defer d.Close()
	if report, ok := d.Migration(); ok {
		log.Printf("upgraded %q to version %d: %d collections, %d indexes created",
			cfg.Database.Name, s.Version, len(report.CreatedCollections), len(report.CreatedIndexes))
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           corsMiddleware(handler.New(d), cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if path == "" {
		path = "defaults"
	}
	log.Printf("schemadb starting on %s (config=%s, engine=%s, data=%s, db=%s)",
		cfg.Addr, path, cfg.Database.Engine, cfg.Database.DataDir, cfg.Database.Name)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
	log.Printf("schemadb stopped")
}
