package server

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gonzalop/s3ftpd/internal/ratelimit"
)

// Option is a functional option for configuring an FTP server.
type Option func(*Server) error

// WithDriver sets the storage backend for authentication and file operations.
// This option is required and can only be set once.
//
// Example:
//
//	s, _ := server.NewServer(":21", server.WithDriver(server.NewLocalDriver("/srv/ftp")))
func WithDriver(driver Driver) Option {
	return func(s *Server) error {
		if s.driver != nil {
			return fmt.Errorf("driver already set")
		}
		s.driver = driver
		return nil
	}
}

// WithTLS installs the configuration used to upgrade the control connection
// after a successful AUTH TLS.
//
//	cert, _ := tls.LoadX509KeyPair("server.crt", "server.key")
//	s, _ := server.NewServer(":21",
//	    server.WithDriver(driver),
//	    server.WithTLS(&tls.Config{
//	        Certificates: []tls.Certificate{cert},
//	        MinVersion:   tls.VersionTLS12,
//	    }),
//	)
func WithTLS(config *tls.Config) Option {
	return func(s *Server) error {
		s.tlsConfig = config
		return nil
	}
}

// WithLogger sets a custom logger for the server.
// If not specified, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		s.logger = logger
		return nil
	}
}

// WithMaxIdleTime sets the maximum time a connection can be idle before being closed.
// If not specified, defaults to 5 minutes. Zero disables the idle timeout.
func WithMaxIdleTime(duration time.Duration) Option {
	return func(s *Server) error {
		s.maxIdleTime = duration
		return nil
	}
}

// WithWriteTimeout bounds the time spent writing a reply to a client.
func WithWriteTimeout(duration time.Duration) Option {
	return func(s *Server) error {
		s.writeTimeout = duration
		return nil
	}
}

// WithDataTimeout sets how long LIST, RETR and STOR wait for the client to
// connect to the passive port before replying 425. Defaults to 10 seconds.
func WithDataTimeout(duration time.Duration) Option {
	return func(s *Server) error {
		if duration <= 0 {
			return fmt.Errorf("data timeout must be positive")
		}
		s.dataTimeout = duration
		return nil
	}
}

// WithMaxConnections limits the number of simultaneous control connections,
// in total and per client IP. Zero means no limit.
//
// When a limit is reached, new connections receive a 421 reply.
//
// Example:
//
//	s, _ := server.NewServer(":21",
//	    server.WithDriver(driver),
//	    server.WithMaxConnections(100, 10),
//	)
func WithMaxConnections(total, perIP int) Option {
	return func(s *Server) error {
		if total < 0 || perIP < 0 {
			return fmt.Errorf("connection limits cannot be negative")
		}
		s.maxConnections = total
		s.maxConnectionsPerIP = perIP
		return nil
	}
}

// WithPassiveSettings configures the address advertised in 227 replies and
// the port range passive listeners bind to.
func WithPassiveSettings(settings Settings) Option {
	return func(s *Server) error {
		if settings.PasvMinPort < 0 || settings.PasvMaxPort > 65535 {
			return fmt.Errorf("invalid passive port range [%d, %d]", settings.PasvMinPort, settings.PasvMaxPort)
		}
		if settings.PasvMinPort > 0 && settings.PasvMaxPort < settings.PasvMinPort {
			return fmt.Errorf("invalid passive port range [%d, %d]", settings.PasvMinPort, settings.PasvMaxPort)
		}
		s.passive = settings
		return nil
	}
}

// WithWelcomeMessage sets the text of the 220 greeting.
func WithWelcomeMessage(msg string) Option {
	return func(s *Server) error {
		s.welcomeMessage = msg
		return nil
	}
}

// WithServerName sets the system type returned by SYST.
func WithServerName(name string) Option {
	return func(s *Server) error {
		s.serverName = name
		return nil
	}
}

// WithMetricsCollector sets the collector notified of commands, transfers,
// connections and logins.
func WithMetricsCollector(collector MetricsCollector) Option {
	return func(s *Server) error {
		s.metricsCollector = collector
		return nil
	}
}

// WithRedaction masks paths with redactor and, when redactIPs is set, client
// addresses in log output.
func WithRedaction(redactor PathRedactor, redactIPs bool) Option {
	return func(s *Server) error {
		s.pathRedactor = redactor
		s.redactIPs = redactIPs
		return nil
	}
}

// WithBandwidthLimit throttles data transfers. global is shared by every
// session, perSession applies to each session on its own. Both are in bytes
// per second; zero means unlimited.
func WithBandwidthLimit(global, perSession int64) Option {
	return func(s *Server) error {
		if global < 0 || perSession < 0 {
			return fmt.Errorf("bandwidth limits cannot be negative")
		}
		s.globalLimiter = ratelimit.New(global)
		s.sessionBandwidth = perSession
		return nil
	}
}

// WithDisableCommands makes the server answer the given commands with 502.
// See the command groups in commands.go.
//
//	s, _ := server.NewServer(":21",
//	    server.WithDriver(driver),
//	    server.WithDisableCommands(server.WriteCommands...),
//	)
func WithDisableCommands(commands ...string) Option {
	return func(s *Server) error {
		for _, cmd := range commands {
			s.disabledCommands[strings.ToUpper(cmd)] = true
		}
		return nil
	}
}

// WithClock replaces the clock used for listing timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) error {
		if now == nil {
			return fmt.Errorf("clock cannot be nil")
		}
		s.now = now
		return nil
	}
}
