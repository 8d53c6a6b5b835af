// Package config provides YAML configuration parsing and validation for
// the dispatch engine: listeners, protocol selectors, credentials, cipher
// material, and process-wide limits.
package config

import (
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration: a set of listeners, each
// speaking an ordered list of protocol selector strings, plus
// process-wide logging and resource limits.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Listeners []ListenerConfig `yaml:"listeners"`
	Limits    LimitsConfig     `yaml:"limits"`
	Admin     AdminConfig      `yaml:"admin"`
}

// ListenerConfig binds one network address to an ordered set of protocol
// handlers ("<name>" / "<name>{<param>}" selector strings, tried by the
// dispatcher in the order listed).
type ListenerConfig struct {
	// Address is a "host:port" TCP listen address.
	Address string `yaml:"address"`

	// Protocols is the ordered list of "<name>" / "<name>{<param>}"
	// tokens the registry resolves into proxyproto.Handler instances.
	Protocols []string `yaml:"protocols"`

	// Auth is this listener's opaque credential blob: for SOCKS5
	// "user:pass", for HTTP "user:pass" (base64-encoded for the
	// Proxy-Authorization comparison at parse time), for SOCKS4
	// "userid", for SS/SSR a fixed prefix. Empty disables
	// authentication for this listener.
	Auth string `yaml:"auth"`

	// TLS wraps the accepted net.Conn in a TLS server handshake before
	// handing it to the dispatcher. TLS never lives inside the protocol
	// layer itself - a listener sits behind it; see internal/registry's
	// reserved "ssl"/"secure" names.
	TLS *TLSConfig `yaml:"tls,omitempty"`

	// Transport selects the byte-stream source the dispatcher reads
	// from: "tcp" (default) accepts raw TCP connections; "ws" upgrades
	// HTTP requests at WSPath to WebSocket and dispatches over the
	// resulting net.Conn adapter (internal/dispatch.WSListener). Either
	// way, the two-phase recognize loop sees the same byte stream.
	Transport string `yaml:"transport,omitempty"`

	// WSPath is the HTTP path WebSocket upgrades are accepted on when
	// Transport is "ws". Defaults to "/".
	WSPath string `yaml:"ws_path,omitempty"`

	// WSSubprotocol restricts "ws" transport upgrades to a specific
	// WebSocket subprotocol; empty accepts any.
	WSSubprotocol string `yaml:"ws_subprotocol,omitempty"`

	// HTTPGetMap configures the HTTP handler's static-path response
	// mode: path -> response body, with "%(host)s" substituted from the
	// request's Host header.
	HTTPGetMap map[string]string `yaml:"http_get_map,omitempty"`

	// Cipher configures the SS/SSR reader cipher view; ignored by
	// protocols that don't use one.
	Cipher *CipherConfig `yaml:"cipher,omitempty"`

	// Upstream chains this listener's outbound connections through
	// another proxy instead of dialing the parsed target directly. When
	// set, the server dials Upstream.Address and runs Upstream.Protocol's
	// client-side Connect handshake against it before relaying.
	Upstream *UpstreamConfig `yaml:"upstream,omitempty"`
}

// TLSConfig carries a certificate/key pair, either as a file path or
// inline PEM (PEM fields take precedence).
type TLSConfig struct {
	Cert    string `yaml:"cert"`
	CertPEM string `yaml:"cert_pem"`
	Key     string `yaml:"key"`
	KeyPEM  string `yaml:"key_pem"`
}

// CipherConfig configures the per-listener record cipher view.
type CipherConfig struct {
	// Secret is a base64-encoded shared secret; internal/cipher derives
	// the session IV/key from it via HKDF.
	Secret string `yaml:"secret"`
	OTA    bool   `yaml:"ota"`
}

// UpstreamConfig names the egress proxy a listener chains through, and
// the credential/cipher material to present during that proxy's
// client-side Connect handshake.
type UpstreamConfig struct {
	// Address is the upstream proxy's "host:port".
	Address string `yaml:"address"`

	// Protocol is the egress selector string ("<name>" or
	// "<name>{<param>}") the registry resolves into the Handler whose
	// Connect method is run against Address.
	Protocol string `yaml:"protocol"`

	// Auth is the credential Connect presents to the upstream proxy,
	// interpreted per Protocol exactly as ListenerConfig.Auth is for the
	// server side (e.g. "user:pass" for socks5, a fixed prefix for ss).
	Auth string `yaml:"auth,omitempty"`

	// Cipher configures the writer-side cipher view Connect uses when
	// Protocol is ss/ssr.
	Cipher *CipherConfig `yaml:"cipher,omitempty"`
}

// LimitsConfig bounds per-connection resource use.
type LimitsConfig struct {
	BufferSize     int           `yaml:"buffer_size"`
	BytesPerSecond int           `yaml:"bytes_per_second"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// AdminConfig configures the operator endpoint: an HTTP listener serving
// /metrics and /healthz, gated by a bcrypt-hashed password. This is
// independent of any listener's wire-protocol Auth, which must stay a
// recoverable plaintext secret - SOCKS5/SOCKS4/HTTP all compare or resend
// it verbatim on the wire, so it cannot be stored as a one-way hash the
// way the admin password can.
type AdminConfig struct {
	// Address is the "host:port" the admin HTTP endpoint listens on.
	// Empty disables the endpoint.
	Address string `yaml:"address,omitempty"`

	// PasswordHash is the bcrypt hash the endpoint's Basic auth password
	// is checked against (generate one with `protoflexd admin
	// hash-password`). Required when Address is set; the endpoint fails
	// closed without it.
	PasswordHash string `yaml:"password_hash,omitempty"`
}

// Default returns a Config with sane defaults for a single SOCKS5+HTTP
// listener.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Listeners: []ListenerConfig{
			{
				Address:   "127.0.0.1:1080",
				Protocols: []string{"socks5", "http"},
			},
		},
		Limits: LimitsConfig{
			BufferSize:  262144,
			IdleTimeout: 5 * time.Minute,
		},
	}
}

// Load reads and parses a YAML config file, applying defaults for any
// zero-valued top-level section.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML config bytes on top of Default().
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Listeners = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.Limits.BufferSize == 0 {
		cfg.Limits.BufferSize = 262144
	}
	if len(cfg.Listeners) == 0 {
		cfg.Listeners = Default().Listeners
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural and cross-field invariants the registry and
// listener bring-up depend on.
func (c *Config) Validate() error {
	if len(c.Listeners) == 0 {
		return fmt.Errorf("config: at least one listener is required")
	}
	seen := make(map[string]bool)
	for i, l := range c.Listeners {
		if l.Address == "" {
			return fmt.Errorf("listener[%d]: address is required", i)
		}
		if _, _, err := net.SplitHostPort(l.Address); err != nil {
			return fmt.Errorf("listener[%d]: invalid address %q: %w", i, l.Address, err)
		}
		if seen[l.Address] {
			return fmt.Errorf("listener[%d]: duplicate address %q", i, l.Address)
		}
		seen[l.Address] = true
		if len(l.Protocols) == 0 {
			return fmt.Errorf("listener[%d] (%s): at least one protocol is required", i, l.Address)
		}
		if l.TLS != nil {
			if l.TLS.Cert == "" && l.TLS.CertPEM == "" {
				return fmt.Errorf("listener[%d] (%s): tls requires cert or cert_pem", i, l.Address)
			}
			if l.TLS.Key == "" && l.TLS.KeyPEM == "" {
				return fmt.Errorf("listener[%d] (%s): tls requires key or key_pem", i, l.Address)
			}
		}
		if l.Cipher != nil && l.Cipher.Secret == "" {
			return fmt.Errorf("listener[%d] (%s): cipher requires a secret", i, l.Address)
		}
		switch l.Transport {
		case "", "tcp", "ws":
		default:
			return fmt.Errorf("listener[%d] (%s): unknown transport %q", i, l.Address, l.Transport)
		}
		if l.Upstream != nil {
			if l.Upstream.Address == "" {
				return fmt.Errorf("listener[%d] (%s): upstream requires an address", i, l.Address)
			}
			if _, _, err := net.SplitHostPort(l.Upstream.Address); err != nil {
				return fmt.Errorf("listener[%d] (%s): invalid upstream address %q: %w", i, l.Address, l.Upstream.Address, err)
			}
			if l.Upstream.Protocol == "" {
				return fmt.Errorf("listener[%d] (%s): upstream requires a protocol", i, l.Address)
			}
			if l.Upstream.Cipher != nil && l.Upstream.Cipher.Secret == "" {
				return fmt.Errorf("listener[%d] (%s): upstream cipher requires a secret", i, l.Address)
			}
		}
	}
	if c.Admin.Address != "" {
		if _, _, err := net.SplitHostPort(c.Admin.Address); err != nil {
			return fmt.Errorf("admin: invalid address %q: %w", c.Admin.Address, err)
		}
		if c.Admin.PasswordHash == "" {
			return fmt.Errorf("admin: password_hash is required when an address is set")
		}
	}
	if c.Limits.BufferSize < 0 {
		return fmt.Errorf("limits.buffer_size must be non-negative")
	}
	if c.Limits.BytesPerSecond < 0 {
		return fmt.Errorf("limits.bytes_per_second must be non-negative")
	}
	return nil
}

// HTTPAuthHeader returns the exact "Basic <base64>" value the HTTP
// handler's Proxy-Authorization comparison expects for this listener's
// Auth secret.
func (l ListenerConfig) HTTPAuthHeader() string {
	if l.Auth == "" {
		return ""
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(l.Auth))
}

// HashAdminPassword bcrypt-hashes a plaintext admin password for storage
// in AdminConfig.PasswordHash.
func HashAdminPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// CheckAdminPassword reports whether password matches the configured
// admin password hash. It returns false (not an error) when no hash is
// configured, so admin operations are closed by default.
func (a AdminConfig) CheckAdminPassword(password string) bool {
	if a.PasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)) == nil
}

// ResolveTLSMaterial returns the effective cert/key PEM bytes for a
// listener's TLS config, preferring inline PEM over file paths.
func (t *TLSConfig) ResolveTLSMaterial() (certPEM, keyPEM []byte, err error) {
	if t.CertPEM != "" {
		certPEM = []byte(t.CertPEM)
	} else {
		if certPEM, err = os.ReadFile(t.Cert); err != nil {
			return nil, nil, fmt.Errorf("reading tls cert: %w", err)
		}
	}
	if t.KeyPEM != "" {
		keyPEM = []byte(t.KeyPEM)
	} else {
		if keyPEM, err = os.ReadFile(t.Key); err != nil {
			return nil, nil, fmt.Errorf("reading tls key: %w", err)
		}
	}
	return certPEM, keyPEM, nil
}

// ProtocolNames returns the bare protocol names (stripped of any "{param}"
// suffix) for a listener, useful for logging/stats labels.
func (l ListenerConfig) ProtocolNames() []string {
	names := make([]string, 0, len(l.Protocols))
	for _, p := range l.Protocols {
		name, _, _ := strings.Cut(p, "{")
		names = append(names, name)
	}
	return names
}
