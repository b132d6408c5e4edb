package config

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"

	"github.com/mitchellh/mapstructure"

	"github.com/gonzalop/s3ftpd/auth"
	"github.com/gonzalop/s3ftpd/driver/objstore"
	"github.com/gonzalop/s3ftpd/driver/objstore/badger"
	"github.com/gonzalop/s3ftpd/driver/objstore/s3"
	"github.com/gonzalop/s3ftpd/server"
)

// Authenticator validates a USER/PASS pair.
type Authenticator func(user, pass string) error

// LoadUsers reads the configured users file. It returns a nil
// Authenticator when no file is configured.
func LoadUsers(cfg *AuthConfig) (Authenticator, error) {
	if cfg.UsersFile == "" {
		return nil, nil
	}
	users, err := auth.Load(cfg.UsersFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}
	return users.Verify, nil
}

// nopCloser is returned for backends holding no resources.
type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// CreateDriver creates the storage backend selected by cfg.Type.
//
// Supported types:
//   - "filesystem": a directory on disk (go-billy osfs)
//   - "memory": an in-memory tree lost on exit (go-billy memfs)
//   - "s3": Amazon S3 or a compatible object store
//   - "badger": an embedded BadgerDB with the S3 object layout
//
// The returned io.Closer releases the backend's resources.
func CreateDriver(ctx context.Context, cfg *Config, authenticate Authenticator) (server.Driver, io.Closer, error) {
	b := &cfg.Backend
	switch b.Type {
	case "filesystem":
		return createFilesystemDriver(b.Filesystem, cfg, authenticate)
	case "memory":
		return server.NewMemoryDriver(fsDriverOptions(cfg, authenticate)...), nopCloser{}, nil
	case "s3":
		return createS3Driver(ctx, b, authenticate)
	case "badger":
		return createBadgerDriver(b, authenticate)
	default:
		return nil, nil, fmt.Errorf("unknown backend type: %q", b.Type)
	}
}

func fsDriverOptions(cfg *Config, authenticate Authenticator) []server.FSDriverOption {
	opts := []server.FSDriverOption{
		server.WithOwner(cfg.Backend.Owner, cfg.Backend.Group),
		server.WithReadOnly(cfg.Server.ReadOnly),
		server.WithDisableAnonymous(!cfg.Auth.Anonymous),
	}
	if authenticate != nil {
		opts = append(opts, server.WithAuthenticator(authenticate))
	}
	return opts
}

func createFilesystemDriver(options map[string]any, cfg *Config, authenticate Authenticator) (server.Driver, io.Closer, error) {
	type FilesystemConfig struct {
		Path string `mapstructure:"path"`
	}

	var fsCfg FilesystemConfig
	if err := decodeBackend(options, &fsCfg); err != nil {
		return nil, nil, fmt.Errorf("failed to decode filesystem backend config: %w", err)
	}
	if fsCfg.Path == "" {
		return nil, nil, fmt.Errorf("filesystem backend: path is required")
	}

	return server.NewLocalDriver(fsCfg.Path, fsDriverOptions(cfg, authenticate)...), nopCloser{}, nil
}

// decodeBackend decodes a backend section. Values set through the
// environment arrive as strings, so input is weakly typed.
func decodeBackend(input map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

func objstoreOptions(b *BackendConfig, authenticate Authenticator) []objstore.Option {
	opts := []objstore.Option{objstore.WithOwner(b.Owner, b.Group)}
	if authenticate != nil {
		opts = append(opts, objstore.WithAuthenticator(authenticate))
	}
	return opts
}

func createS3Driver(ctx context.Context, b *BackendConfig, authenticate Authenticator) (server.Driver, io.Closer, error) {
	var s3Cfg s3.Config
	if err := decodeBackend(b.S3, &s3Cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to decode s3 backend config: %w", err)
	}
	if err := validate.Struct(s3Cfg); err != nil {
		return nil, nil, fmt.Errorf("s3 backend: %w", formatValidationError(err))
	}

	bucket, err := s3.New(ctx, s3Cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create s3 backend: %w", err)
	}
	return objstore.New(bucket, objstoreOptions(b, authenticate)...), nopCloser{}, nil
}

func createBadgerDriver(b *BackendConfig, authenticate Authenticator) (server.Driver, io.Closer, error) {
	var opts badger.Options
	if err := decodeBackend(b.Badger, &opts); err != nil {
		return nil, nil, fmt.Errorf("failed to decode badger backend config: %w", err)
	}
	if err := validate.Struct(opts); err != nil {
		return nil, nil, fmt.Errorf("badger backend: %w", formatValidationError(err))
	}

	bucket, err := badger.Open(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create badger backend: %w", err)
	}
	return objstore.New(bucket, objstoreOptions(b, authenticate)...), bucket, nil
}

// LoadTLS loads the configured certificate. It returns nil when TLS is not
// configured.
func LoadTLS(cfg *TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ServerOptions translates the configuration into server options. The
// driver, metrics collector and TLS config are supplied by the caller.
func ServerOptions(cfg *Config, logger *slog.Logger) []server.Option {
	s := &cfg.Server
	opts := []server.Option{
		server.WithLogger(logger),
		server.WithMaxIdleTime(s.MaxIdleTime),
		server.WithWriteTimeout(s.WriteTimeout),
		server.WithDataTimeout(s.DataTimeout),
		server.WithMaxConnections(s.MaxConnections, s.MaxConnectionsPerIP),
		server.WithBandwidthLimit(s.GlobalBandwidth, s.SessionBandwidth),
		server.WithPassiveSettings(server.Settings{
			PublicHost:  cfg.Passive.PublicHost,
			PasvMinPort: cfg.Passive.MinPort,
			PasvMaxPort: cfg.Passive.MaxPort,
		}),
	}
	if s.WelcomeMessage != "" {
		opts = append(opts, server.WithWelcomeMessage(s.WelcomeMessage))
	}
	if s.RedactIPs {
		opts = append(opts, server.WithRedaction(nil, true))
	}
	if s.ReadOnly {
		opts = append(opts, server.WithDisableCommands(server.WriteCommands...))
	}
	if len(s.DisableCommands) > 0 {
		opts = append(opts, server.WithDisableCommands(s.DisableCommands...))
	}
	return opts
}
