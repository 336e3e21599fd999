package sip

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"braces.dev/errtrace"
	"gopkg.in/yaml.v3"

	"github.com/ghettovoice/sipstack/dns"
	"github.com/ghettovoice/sipstack/log"
)

// Duration is a [time.Duration] that is marshaled as a string, e.g. "500ms" or "1m30s".
// Plain numbers are accepted on decoding and treated as nanoseconds.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON implements [json.Marshaler].
func (d Duration) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(d.String()))
}

// UnmarshalJSON implements [json.Unmarshaler].
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(d.set(v))
}

// MarshalYAML implements [yaml.Marshaler].
func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// UnmarshalYAML implements [yaml.Unmarshaler].
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(d.set(v))
}

func (d *Duration) set(v any) error {
	switch v := v.(type) {
	case string:
		dur, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return errtrace.Wrap(NewInvalidArgumentError(err))
		}
		*d = Duration(dur)
	case float64:
		*d = Duration(v)
	case int:
		*d = Duration(v)
	case nil:
		*d = 0
	default:
		return errtrace.Wrap(NewInvalidArgumentError(fmt.Errorf("unexpected duration value %v", v)))
	}
	return nil
}

// ListenConfig describes a single listening point.
type ListenConfig struct {
	// Proto is the transport protocol: UDP, TCP or TLS.
	Proto TransportProto `json:"proto" yaml:"proto"`
	// Addr is the local address to listen on, e.g. "0.0.0.0:5060".
	Addr string `json:"addr" yaml:"addr"`
}

// ConnCacheConfig configures the connection cache of stream transports.
type ConnCacheConfig struct {
	// Disabled turns off connection reuse, each send dials a new connection.
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	// LockTimeout bounds the wait for a busy peer connection.
	LockTimeout Duration `json:"lock_timeout,omitzero" yaml:"lock_timeout,omitempty"`
	// IdleTTL closes connections idle longer than this value.
	// Negative value keeps idle connections open.
	IdleTTL Duration `json:"idle_ttl,omitzero" yaml:"idle_ttl,omitempty"`
}

// TLSConfig holds paths to the TLS certificate and key files.
type TLSConfig struct {
	CertFile string `json:"cert_file" yaml:"cert_file"`
	KeyFile  string `json:"key_file" yaml:"key_file"`
	// ServerName is used to verify peers certificates on outbound connections.
	ServerName string `json:"server_name,omitempty" yaml:"server_name,omitempty"`
	// InsecureSkipVerify disables peer certificate verification.
	InsecureSkipVerify bool `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"`
}

// DNSConfig configures the resolver used for target resolution.
type DNSConfig struct {
	// Server is a name server address, e.g. "8.8.8.8:53".
	// If empty, the system resolver is used.
	Server  string   `json:"server,omitempty" yaml:"server,omitempty"`
	Network string   `json:"network,omitempty" yaml:"network,omitempty"`
	Timeout Duration `json:"timeout,omitzero" yaml:"timeout,omitempty"`
}

// LogConfig configures the stack logger.
type LogConfig struct {
	// Format is one of "console", "dev", "json" or "noop".
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
	// Level is one of "debug", "info", "warn" or "error".
	Level string `json:"level,omitempty" yaml:"level,omitempty"`
}

// Config is a file based configuration of the [Stack].
type Config struct {
	Listen  []ListenConfig `json:"listen" yaml:"listen"`
	Workers int            `json:"workers,omitempty" yaml:"workers,omitempty"`
	Timings TimingConfig   `json:"timings,omitzero" yaml:"timings,omitempty"`
	// MaxTransactionLifetime forcibly terminates stuck transactions. Negative value disables the sweeper.
	MaxTransactionLifetime Duration `json:"max_transaction_lifetime,omitzero" yaml:"max_transaction_lifetime,omitempty"`
	// MaxEarlyDialogLifetime terminates dialogs that stay early longer than this value. Zero disables it.
	MaxEarlyDialogLifetime Duration `json:"max_early_dialog_lifetime,omitzero" yaml:"max_early_dialog_lifetime,omitempty"`
	// MaxDialogLifetime terminates dialogs in any state older than this value. Zero disables it.
	MaxDialogLifetime    Duration         `json:"max_dialog_lifetime,omitzero" yaml:"max_dialog_lifetime,omitempty"`
	DialogFormingMethods []RequestMethod  `json:"dialog_forming_methods,omitempty" yaml:"dialog_forming_methods,omitempty"`
	NoAutoTerminateOnBye bool             `json:"no_auto_terminate_on_bye,omitempty" yaml:"no_auto_terminate_on_bye,omitempty"`
	MaxMessageSize       int              `json:"max_message_size,omitempty" yaml:"max_message_size,omitempty"`
	ConnCache            ConnCacheConfig  `json:"conn_cache,omitzero" yaml:"conn_cache,omitempty"`
	TLS                  *TLSConfig       `json:"tls,omitempty" yaml:"tls,omitempty"`
	DNS                  DNSConfig        `json:"dns,omitzero" yaml:"dns,omitempty"`
	Log                  LogConfig        `json:"log,omitzero" yaml:"log,omitempty"`
}

// LoadConfig reads the configuration file.
// Files with .json extension are decoded as JSON, all others as YAML.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		var cfg Config
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, errtrace.Wrap(fmt.Errorf("decode config %q: %w", path, err))
		}
		return &cfg, errtrace.Wrap(cfg.Validate())
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, errtrace.Wrap(fmt.Errorf("decode config %q: %w", path, err))
	}
	return cfg, nil
}

// ParseConfig decodes the YAML configuration.
// JSON documents are accepted too since YAML is a superset of JSON.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &cfg, nil
}

// Validate checks the configuration consistency.
func (cfg *Config) Validate() error {
	for i, l := range cfg.Listen {
		if !l.Proto.IsValid() {
			return errtrace.Wrap(NewInvalidArgumentError(fmt.Sprintf("listen[%d]: invalid protocol %q", i, l.Proto)))
		}
		switch l.Proto.ToUpper() {
		case ProtoUDP, ProtoTCP:
		case ProtoTLS:
			if cfg.TLS == nil || cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
				return errtrace.Wrap(NewInvalidArgumentError(fmt.Sprintf("listen[%d]: TLS certificate is required", i)))
			}
		default:
			return errtrace.Wrap(NewInvalidArgumentError(fmt.Sprintf("listen[%d]: unsupported protocol %q", i, l.Proto)))
		}
		if l.Addr == "" {
			return errtrace.Wrap(NewInvalidArgumentError(fmt.Sprintf("listen[%d]: empty address", i)))
		}
	}
	if cfg.Workers < 0 {
		return errtrace.Wrap(NewInvalidArgumentError("negative workers number"))
	}
	if cfg.MaxDialogLifetime < 0 || cfg.MaxEarlyDialogLifetime < 0 {
		return errtrace.Wrap(NewInvalidArgumentError("negative max dialog lifetime"))
	}
	if cfg.MaxMessageSize < 0 {
		return errtrace.Wrap(NewInvalidArgumentError("negative max message size"))
	}
	return nil
}

// StackOptions converts the configuration into the [StackOptions].
// TLS certificate files are loaded here.
func (cfg *Config) StackOptions() (*StackOptions, error) {
	opts := &StackOptions{
		Timings:                cfg.Timings,
		Workers:                cfg.Workers,
		MaxTransactionLifetime: time.Duration(cfg.MaxTransactionLifetime),
		MaxEarlyDialogLifetime: time.Duration(cfg.MaxEarlyDialogLifetime),
		MaxDialogLifetime:      time.Duration(cfg.MaxDialogLifetime),
		DialogFormingMethods:   cfg.DialogFormingMethods,
		NoAutoTerminateOnBye:   cfg.NoAutoTerminateOnBye,
		Parser:                 NewParser(cfg.MaxMessageSize),
		Stream: &StreamTransportOptions{
			DisableConnCache: cfg.ConnCache.Disabled,
			ConnLockTimeout:  time.Duration(cfg.ConnCache.LockTimeout),
			ConnIdleTTL:      time.Duration(cfg.ConnCache.IdleTTL),
		},
	}

	if cfg.DNS.Server != "" {
		opts.Resolver = &dns.Resolver{
			NameServer: cfg.DNS.Server,
			Network:    cfg.DNS.Network,
			Timeout:    time.Duration(cfg.DNS.Timeout),
		}
	}

	if cfg.TLS != nil && cfg.TLS.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, errtrace.Wrap(fmt.Errorf("load TLS key pair: %w", err))
		}
		opts.TLSConfig = &tls.Config{
			Certificates:       []tls.Certificate{cert},
			ServerName:         cfg.TLS.ServerName,
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify, //nolint:gosec
			MinVersion:         tls.VersionTLS12,
		}
	}

	if cfg.Log.Format != "" || cfg.Log.Level != "" {
		var lvl slog.Level
		if cfg.Log.Level != "" {
			if err := lvl.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
				return nil, errtrace.Wrap(NewInvalidArgumentError(err))
			}
		}
		opts.Log = log.New(cfg.Log.Format, os.Stderr, lvl)
	}

	return opts, nil
}
