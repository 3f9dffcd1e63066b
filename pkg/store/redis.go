package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chrisburr/DIRAC/pkg/config"
)

// NewRedis builds a redis client from the /Tornado/Redis configuration
// section and verifies connectivity. Options:
//
//	Address, Password, DB, TLS, TLSServerName, TLSCACertFile,
//	TLSCertFile, TLSKeyFile
func NewRedis(ctx context.Context, cfg *config.Store) (*redis.Client, error) {
	section := "/Tornado/Redis"
	addr := cfg.GetOption(section+"/Address", "localhost:6379")
	tlsConfig, err := redisTLSConfig(cfg, section)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:      addr,
		Password:  cfg.GetOption(section+"/Password", ""),
		DB:        cfg.GetInt(section+"/DB", 0),
		TLSConfig: tlsConfig,
	})
	ctxPing, cancel := context.WithTimeout(ctx, time.Second*2)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		return nil, err
	}
	return client, nil
}

func redisTLSConfig(cfg *config.Store, section string) (*tls.Config, error) {
	if !cfg.GetBool(section+"/TLS", false) {
		return nil, nil
	}
	out := &tls.Config{MinVersion: tls.VersionTLS12}
	if serverName := cfg.GetOption(section+"/TLSServerName", ""); serverName != "" {
		out.ServerName = serverName
	}
	if caFile := cfg.GetOption(section+"/TLSCACertFile", ""); caFile != "" {
		caBytes, err := os.ReadFile(filepath.Clean(caFile))
		if err != nil {
			return nil, fmt.Errorf("read redis CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("parse redis CA file: no valid certificates")
		}
		out.RootCAs = pool
	}
	certFile := cfg.GetOption(section+"/TLSCertFile", "")
	keyFile := cfg.GetOption(section+"/TLSKeyFile", "")
	if certFile != "" || keyFile != "" {
		if certFile == "" || keyFile == "" {
			return nil, fmt.Errorf("both TLSCertFile and TLSKeyFile must be set under %s", section)
		}
		cert, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis keypair: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}
