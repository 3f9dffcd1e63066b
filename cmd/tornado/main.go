// Command tornado serves the configured RPC services over mutually
// authenticated HTTPS. Each service listed under /Tornado/Services is
// mounted at /<System>/<Component> and initialized lazily on first use.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/chrisburr/DIRAC/pkg/audit"
	"github.com/chrisburr/DIRAC/pkg/config"
	"github.com/chrisburr/DIRAC/pkg/httpx"
	"github.com/chrisburr/DIRAC/pkg/metrics"
	"github.com/chrisburr/DIRAC/pkg/ratelimit"
	"github.com/chrisburr/DIRAC/pkg/security"
	"github.com/chrisburr/DIRAC/pkg/service"
	"github.com/chrisburr/DIRAC/pkg/store"
	"github.com/chrisburr/DIRAC/pkg/telemetry"
)

type (
	initTelemetryFunc func(ctx context.Context, name string) (func(context.Context) error, error)
	openDBFunc        func(ctx context.Context, cfg *config.Store) (*pgxpool.Pool, error)
	openRedisFunc     func(ctx context.Context, cfg *config.Store) (*redis.Client, error)
	listenFunc        func(server *http.Server, cfg *config.Store) error
)

func main() {
	if err := runServer(telemetry.Init, openDB, store.NewRedis, listen); err != nil {
		log.Fatalf("tornado: %v", err)
	}
}

func runServer(initTelemetry initTelemetryFunc, openDB openDBFunc, openRedis openRedisFunc, listen listenFunc) error {
	ctx := context.Background()
	cfg, err := config.Load(env("TORNADO_CONFIG", "tornado.yaml"))
	if err != nil {
		return err
	}

	shutdown, err := initTelemetry(ctx, "tornado")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	auditLogger := &audit.Logger{}
	if dsn := cfg.GetOption("/Tornado/SecurityLog/DSN", ""); dsn != "" {
		pool, err := openDB(ctx, cfg)
		if err != nil {
			return fmt.Errorf("security log db: %w", err)
		}
		defer pool.Close()
		auditLogger.Writer = &audit.Writer{
			DB:       pool,
			HashSalt: []byte(cfg.GetOption("/Tornado/SecurityLog/HashSalt", "")),
			Redact:   cfg.GetBool("/Tornado/SecurityLog/Redact", false),
		}
	}

	redisClient, err := openRedis(ctx, cfg)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	var limiter ratelimit.Limiter
	rateLimit := 0
	if cfg.GetBool("/Tornado/RateLimit/Enabled", false) {
		rateLimit = cfg.GetInt("/Tornado/RateLimit/PerMinute", 240)
		if redisClient != nil {
			limiter = ratelimit.NewRedis(redisClient, time.Minute)
		} else {
			limiter = ratelimit.NewInMemory(time.Minute)
		}
	}

	registry := security.NewRegistry(cfg, store.NewCache(ctx, redisClient))
	deps := service.Deps{
		Config:    cfg,
		Extractor: &security.Extractor{Registry: registry},
		Metrics:   metrics.NewRegistry(),
		Audit:     auditLogger,
		Pool:      service.NewPool(cfg.GetInt("/Tornado/MaxThreads", 16)),
		Limiter:   limiter,
		RateLimit: rateLimit,
		WorkerID:  cfg.GetInt("/Tornado/WorkerID", -1),
	}

	router, err := buildRouter(cfg, deps)
	if err != nil {
		return err
	}

	addr := cfg.GetOption("/Tornado/Address", ":8443")
	log.Printf("tornado listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: time.Second * time.Duration(cfg.GetInt("/Tornado/ReadHeaderTimeoutSec", 5)),
		ReadTimeout:       time.Second * time.Duration(cfg.GetInt("/Tornado/ReadTimeoutSec", 30)),
		WriteTimeout:      time.Second * time.Duration(cfg.GetInt("/Tornado/WriteTimeoutSec", 120)),
		IdleTimeout:       time.Second * time.Duration(cfg.GetInt("/Tornado/IdleTimeoutSec", 120)),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server, cfg)
}

func buildRouter(cfg *config.Store, deps service.Deps) (chi.Router, error) {
	services := cfg.GetList("/Tornado/Services")
	if len(services) == 0 {
		return nil, errors.New("no services configured under /Tornado/Services")
	}
	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("tornado"))
	r.Use(httpx.BodyLimitMiddleware(int64(cfg.GetInt("/Tornado/MaxRequestBodyBytes", 1<<20))))
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/metrics", deps.Metrics.Handler())
	r.Get("/metrics/prometheus", deps.Metrics.PrometheusHandler())
	for _, name := range services {
		def, registered := service.Lookup(name)
		if !registered {
			// A bare definition still serves ping/echo/whoami, which is
			// all a monitoring-only endpoint needs.
			def = service.Definition{Name: name}
		}
		svc := service.New(def, deps)
		r.Handle("/"+name, svc)
		log.Printf("mounted /%s", name)
	}
	return r, nil
}

func openDB(ctx context.Context, cfg *config.Store) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.GetOption("/Tornado/SecurityLog/DSN", ""))
	if err != nil {
		return nil, err
	}
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// listen starts the server. Client certificate verification is mandatory;
// plain HTTP is allowed only with the explicit AllowInsecure flag for local
// development.
func listen(server *http.Server, cfg *config.Store) error {
	certFile := cfg.GetOption("/Tornado/CertFile", "")
	keyFile := cfg.GetOption("/Tornado/KeyFile", "")
	if certFile == "" || keyFile == "" {
		if cfg.GetBool("/Tornado/AllowInsecure", false) {
			log.Printf("serving plain HTTP, client authentication disabled")
			return server.ListenAndServe()
		}
		return errors.New("TLS required: set /Tornado/CertFile and /Tornado/KeyFile or /Tornado/AllowInsecure")
	}
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ClientAuth: tls.RequireAndVerifyClientCert,
	}
	caFile := cfg.GetOption("/Tornado/CAFile", "")
	if caFile == "" {
		return errors.New("TLS client verification requires /Tornado/CAFile")
	}
	caBytes, err := os.ReadFile(filepath.Clean(caFile))
	if err != nil {
		return fmt.Errorf("read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return errors.New("parse CA file: no valid certificates")
	}
	tlsConfig.ClientCAs = pool
	server.TLSConfig = tlsConfig
	return server.ListenAndServeTLS(certFile, keyFile)
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
