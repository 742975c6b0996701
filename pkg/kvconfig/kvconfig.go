package kvconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/steambundleapi/bundleapi/internal/config"
)

// ConfigToRedisOptions maps cfg onto go-redis options. TLS is enabled when a
// CA certificate is configured; a client certificate is optional.
func ConfigToRedisOptions(cfg *config.KVConfig) (*redis.Options, error) {
	if cfg == nil {
		return nil, errors.New("kv configuration is missing")
	}
	options := &redis.Options{
		Addr:     net.JoinHostPort(cfg.Hostname, strconv.FormatUint(uint64(cfg.Port), 10)),
		Username: cfg.Username,
		Password: cfg.Password.Value(),
		DB:       cfg.DB,
	}

	if cfg.CaCertFile != "" {
		tlsConfig, err := loadTLSConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to configure TLS for redis: %w", err)
		}
		options.TLSConfig = tlsConfig
	}

	return options, nil
}

// NewClient builds a traced client from cfg. It does not connect.
func NewClient(cfg *config.KVConfig) (*redis.Client, error) {
	options, err := ConfigToRedisOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(options)
	if err := redisotel.InstrumentTracing(client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to instrument redis client: %w", err)
	}
	return client, nil
}

func loadTLSConfig(cfg *config.KVConfig) (*tls.Config, error) {
	caCert, err := os.ReadFile(cfg.CaCertFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA cert file: %w", err)
	}

	certPool := x509.NewCertPool()
	if ok := certPool.AppendCertsFromPEM(caCert); !ok {
		return nil, errors.New("failed to append CA cert")
	}

	var clientCerts []tls.Certificate
	if cfg.CertFile != "" {
		clientCert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read client cert/key: %w", err)
		}
		clientCerts = append(clientCerts, clientCert)
	}

	return &tls.Config{
		Certificates: clientCerts,
		RootCAs:      certPool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
