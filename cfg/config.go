// Package cfg loads the wsbridge server configuration file.
package cfg

import (
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/pkg/errors"
	"github.com/taskcluster/wsbridge/engine"
	"github.com/taskcluster/wsbridge/servicereg"
	"gopkg.in/yaml.v3"
)

// Environment variables overriding the admin secrets of the file.
const (
	EnvAdminSecretA = "WSBRIDGE_ADMIN_SECRET_A"
	EnvAdminSecretB = "WSBRIDGE_ADMIN_SECRET_B"
)

// Config defines the configuration of a wsbridge server. See Usage for
// field descriptions.
type Config struct {
	Listen            string            `yaml:"listen" default:":8080"`
	TLS               TLSConfig         `yaml:"tls"`
	HandshakeTimeout  time.Duration     `yaml:"handshakeTimeout" default:"10s"`
	ReadBufferSize    int               `yaml:"readBufferSize" default:"4096"`
	WriteBufferSize   int               `yaml:"writeBufferSize" default:"4096"`
	MaxMessageSize    int64             `yaml:"maxMessageSize" default:"4194304"`
	KeepAliveInterval time.Duration     `yaml:"keepAliveInterval" default:"30s"`
	AllowedOrigins    []string          `yaml:"allowedOrigins"`
	Tracing           string            `yaml:"tracing" default:"off"`
	Properties        map[string]string `yaml:"properties"`
	Session           SessionConfig     `yaml:"session"`
	Admin             AdminConfig       `yaml:"admin"`
	Logging           LoggingConfig     `yaml:"logging"`
	Handlers          []HandlerConfig   `yaml:"handlers"`
}

type TLSConfig struct {
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

type SessionConfig struct {
	CookieName    string        `yaml:"cookieName" default:"WSBRIDGESESSION"`
	TTL           time.Duration `yaml:"ttl" default:"30m"`
	SweepInterval time.Duration `yaml:"sweepInterval" default:"1m"`
	Secure        bool          `yaml:"secure"`
}

type AdminConfig struct {
	// Listen is empty when the admin API is disabled.
	Listen   string `yaml:"listen"`
	SecretA  string `yaml:"secretA"`
	SecretB  string `yaml:"secretB"`
	Audience string `yaml:"audience"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" default:"info"`
	Format     string `yaml:"format" default:"text"`
	SyslogAddr string `yaml:"syslogAddr"`
}

type HandlerConfig struct {
	Name  string `yaml:"name"`
	Path  string `yaml:"path"`
	Scope string `yaml:"scope"`
}

// Usage describes the configuration file format.
func Usage() string {
	return `
Configuration is in the form of a YAML file with the following fields, all
optional:

	listen: address of the WebSocket server (default ":8080")

	tls:
		certFile, keyFile: PEM files; TLS is enabled when both are set

	handshakeTimeout: bound on negotiating and upgrading one connection (default 10s)
	readBufferSize, writeBufferSize: transport buffer sizes in bytes (default 4096)
	maxMessageSize: largest accepted message in bytes (default 4 MiB)
	keepAliveInterval: interval between pings, 0 to disable (default 30s)
	allowedOrigins: list of accepted Origin values; empty or "*" accepts any
	tracing: off, on-demand or all (default off)
	properties: string map copied into every request context

	session:
		cookieName: name of the HTTP session cookie (default WSBRIDGESESSION)
		ttl: idle time after which a session expires (default 30m)
		sweepInterval: how often expired sessions are collected (default 1m)
		secure: mark the cookie as HTTPS only

	admin:
		listen: address of the admin API; the API is disabled when empty
		secretA, secretB: JWT secrets, overridden by the ` + EnvAdminSecretA + ` and
			` + EnvAdminSecretB + ` environment variables
		audience: required 'aud' claim, if set

	logging:
		level: logrus level (default info)
		format: text, json or mozlog (default text)
		syslogAddr: UDP address of a syslog server

	handlers: list of demo handlers to register, each with
		name: (required) catalog name
		path: path overriding the catalog default
		scope: singleton or prototype, overriding the catalog default
`
}

// Load reads a configuration file. An empty filename yields the defaults.
func Load(filename string) (*Config, error) {
	var data []byte
	if filename != "" {
		var err error
		data, err = os.ReadFile(filename)
		if err != nil {
			return nil, errors.Wrapf(err, "could not read config file %s", filename)
		}
	}
	c, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid config file %s", filename)
	}
	return c, nil
}

// Parse decodes a configuration document over the defaults, applies
// environment overrides and validates the result.
func Parse(data []byte) (*Config, error) {
	var c Config
	defaults.SetDefaults(&c)
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "could not parse YAML")
	}
	if v := os.Getenv(EnvAdminSecretA); v != "" {
		c.Admin.SecretA = v
	}
	if v := os.Getenv(EnvAdminSecretB); v != "" {
		c.Admin.SecretB = v
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks values the YAML decoder cannot.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen is required")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("tls.certFile and tls.keyFile must be set together")
	}
	if c.HandshakeTimeout <= 0 {
		return errors.Errorf("handshakeTimeout must be positive, got %s", c.HandshakeTimeout)
	}
	if c.MaxMessageSize < 0 || c.ReadBufferSize < 0 || c.WriteBufferSize < 0 {
		return errors.New("sizes must not be negative")
	}
	if _, err := c.TracingMode(); err != nil {
		return err
	}
	if c.Session.TTL <= 0 || c.Session.SweepInterval <= 0 {
		return errors.New("session.ttl and session.sweepInterval must be positive")
	}
	if c.Admin.Listen != "" && (c.Admin.SecretA == "" || c.Admin.SecretB == "") {
		return errors.Errorf("admin API requires both secrets (set %s and %s)", EnvAdminSecretA, EnvAdminSecretB)
	}
	for i, h := range c.Handlers {
		if h.Name == "" {
			return errors.Errorf("handlers[%d]: name is required", i)
		}
		if _, err := servicereg.ParseScope(h.Scope); err != nil {
			return errors.Wrapf(err, "handlers[%d]", i)
		}
	}
	return nil
}

// TracingMode returns the parsed tracing setting.
func (c *Config) TracingMode() (engine.TracingMode, error) {
	return engine.ParseTracingMode(c.Tracing)
}

// TLSEnabled reports whether the server should serve TLS.
func (c *Config) TLSEnabled() bool {
	return c.TLS.CertFile != "" && c.TLS.KeyFile != ""
}
