// Package config defines the CLI application configuration loaded from
// defaults, an optional YAML file, and TCPMSG_-prefixed environment
// variables.
package config

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"tcpmsg"
)

// AppConfig holds all tcpmsg CLI configuration.
type AppConfig struct {
	Server ServerConfig `koanf:"server"`
	Client ClientConfig `koanf:"client"`
	Log    LogConfig    `koanf:"log"`
}

// ServerConfig configures the serve command.
type ServerConfig struct {
	Addr                     string    `koanf:"addr"`
	PresharedKey             string    `koanf:"preshared_key"`
	PermittedIPs             []string  `koanf:"permitted_ips"`
	MaxConnections           int       `koanf:"max_connections"`
	IdleClientTimeoutSeconds int       `koanf:"idle_client_timeout_seconds"`
	StreamBufferSize         int       `koanf:"stream_buffer_size"`
	MaxProxiedStreamSize     int64     `koanf:"max_proxied_stream_size"`
	DebugMessages            bool      `koanf:"debug_messages"`
	AdminAddr                string    `koanf:"admin_addr"`
	StatsIntervalSeconds     int       `koanf:"stats_interval_seconds"`
	Echo                     bool      `koanf:"echo"`
	TLS                      TLSConfig `koanf:"tls"`
}

// ClientConfig configures the send command.
type ClientConfig struct {
	Addr                  string    `koanf:"addr"`
	PresharedKey          string    `koanf:"preshared_key"`
	ConnectTimeoutSeconds int       `koanf:"connect_timeout_seconds"`
	DebugMessages         bool      `koanf:"debug_messages"`
	TLS                   TLSConfig `koanf:"tls"`
}

// TLSConfig holds TLS settings shared by both sides.
type TLSConfig struct {
	Enabled                   bool   `koanf:"enabled"`
	Cert                      string `koanf:"cert"`
	Key                       string `koanf:"key"`
	ServerName                string `koanf:"server_name"`
	MutuallyAuthenticate      bool   `koanf:"mutually_authenticate"`
	AcceptInvalidCertificates bool   `koanf:"accept_invalid_certificates"`
	SelfSigned                bool   `koanf:"self_signed"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// DefaultAppConfig seeds the koanf stack before file and env overlays.
func DefaultAppConfig() AppConfig {
	return AppConfig{
		Server: ServerConfig{
			Addr:                 ":9000",
			MaxConnections:       4096,
			StreamBufferSize:     tcpmsg.DefaultStreamBufferSize,
			MaxProxiedStreamSize: tcpmsg.DefaultMaxProxiedStreamSize,
			TLS:                  TLSConfig{AcceptInvalidCertificates: true},
		},
		Client: ClientConfig{
			Addr:                  "127.0.0.1:9000",
			ConnectTimeoutSeconds: 5,
			TLS:                   TLSConfig{AcceptInvalidCertificates: true},
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Validate checks cross-field consistency the library cannot see.
func (c *AppConfig) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q: must be debug, info, warn or error", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q: must be text or json", c.Log.Format)
	}
	if c.Server.TLS.Enabled && !c.Server.TLS.SelfSigned && c.Server.TLS.Cert == "" {
		return fmt.Errorf("server.tls: a certificate is required unless self_signed is set")
	}
	return nil
}

func (t TLSConfig) toOptions() tcpmsg.TLSOptions {
	return tcpmsg.TLSOptions{
		Enabled:              t.Enabled,
		CertFile:             t.Cert,
		KeyFile:              t.Key,
		ServerName:           t.ServerName,
		MutuallyAuthenticate: t.MutuallyAuthenticate,
		VerifyCertificates:   !t.AcceptInvalidCertificates,
	}
}

// ServerOptions maps the file/env shape onto library options. When
// self-signed TLS is requested the certificate is generated here and its
// SHA-256 fingerprint returned so the caller can log it for pinning.
func (c *AppConfig) ServerOptions() (tcpmsg.ServerOptions, string, error) {
	opts := tcpmsg.ServerOptions{
		Addr:                 c.Server.Addr,
		PresharedKey:         c.Server.PresharedKey,
		PermittedIPs:         c.Server.PermittedIPs,
		MaxConnections:       c.Server.MaxConnections,
		IdleClientTimeout:    time.Duration(c.Server.IdleClientTimeoutSeconds) * time.Second,
		StreamBufferSize:     c.Server.StreamBufferSize,
		MaxProxiedStreamSize: c.Server.MaxProxiedStreamSize,
		DebugMessages:        c.Server.DebugMessages,
		AdminAddr:            c.Server.AdminAddr,
		StatsInterval:        time.Duration(c.Server.StatsIntervalSeconds) * time.Second,
		TLS:                  c.Server.TLS.toOptions(),
	}
	fingerprint := ""
	if c.Server.TLS.Enabled && c.Server.TLS.SelfSigned && c.Server.TLS.Cert == "" {
		cert, fp, err := tcpmsg.GenerateSelfSigned(24*time.Hour, hostOf(c.Server.Addr))
		if err != nil {
			return opts, "", fmt.Errorf("generate self-signed certificate: %w", err)
		}
		opts.TLS.Certificates = []tls.Certificate{cert}
		fingerprint = fp
	}
	return opts, fingerprint, nil
}

// hostOf extracts the host part of a listen address for certificate SANs.
func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return ""
	}
	return host
}

// ClientOptions maps the file/env shape onto library options.
func (c *AppConfig) ClientOptions() tcpmsg.ClientOptions {
	return tcpmsg.ClientOptions{
		Addr:           c.Client.Addr,
		PresharedKey:   c.Client.PresharedKey,
		ConnectTimeout: time.Duration(c.Client.ConnectTimeoutSeconds) * time.Second,
		DebugMessages:  c.Client.DebugMessages,
		TLS:            c.Client.TLS.toOptions(),
	}
}
