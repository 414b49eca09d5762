package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/vango-dev/cometd"
	"github.com/vango-dev/cometd/internal/errors"
	"github.com/vango-dev/cometd/pkg/bayeux"
	"github.com/vango-dev/cometd/pkg/transport"
)

const (
	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "cometd.json"

	// DefaultServerAddr is where `cometd serve` listens.
	DefaultServerAddr = "localhost:8080"

	// DefaultTokenTTL is the lifetime of tokens signed from auth.secret.
	DefaultTokenTTL = time.Hour
)

// Duration is a time.Duration that reads "10s" or integer milliseconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return errors.New("C005").WithSubject(s).Wrap(err)
		}
		*d = Duration(parsed)
		return nil
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return errors.New("C005").WithSubject(string(data)).Wrap(err)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the complete cometd.json configuration.
type Config struct {
	// URL is the Bayeux endpoint.
	URL string `json:"url,omitempty"`

	// Transports restricts and orders the client transports.
	// Default: websocket, long-polling, callback-polling.
	Transports []string `json:"transports,omitempty"`

	MaxConnections   int      `json:"maxConnections,omitempty"`
	BackoffIncrement Duration `json:"backoffIncrement,omitempty"`
	MaxBackoff       Duration `json:"maxBackoff,omitempty"`
	MaxNetworkDelay  Duration `json:"maxNetworkDelay,omitempty"`
	ConnectTimeout   Duration `json:"connectTimeout,omitempty"`
	LogLevel         string   `json:"logLevel,omitempty"`
	AutoBatch        bool     `json:"autoBatch,omitempty"`
	MaxURLLength     int      `json:"maxURLLength,omitempty"`
	Origin           string   `json:"origin,omitempty"`

	// Pointers keep an explicit false apart from an absent key.
	AppendMessageTypeToURL    *bool `json:"appendMessageTypeToURL,omitempty"`
	ReverseIncomingExtensions *bool `json:"reverseIncomingExtensions,omitempty"`
	WebSocketEnabled          *bool `json:"webSocketEnabled,omitempty"`

	// MaxMessageSize limits inbound websocket frames ("64KB").
	MaxMessageSize datasize.ByteSize `json:"maxMessageSize,omitempty"`

	RequestHeaders map[string]string `json:"requestHeaders,omitempty"`

	Advice AdviceConfig `json:"advice,omitempty"`

	// Auth signs a JWT for every handshake when Secret is set.
	Auth AuthConfig `json:"auth,omitempty"`

	// Ack enables the acknowledgement extension.
	Ack bool `json:"ack,omitempty"`

	// Metrics enables the Prometheus extension.
	Metrics MetricsConfig `json:"metrics,omitempty"`

	// Server configures `cometd serve`.
	Server ServerConfig `json:"server,omitempty"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// AdviceConfig is the advice in effect before the server sends any.
type AdviceConfig struct {
	Timeout  *Duration `json:"timeout,omitempty"`
	Interval *Duration `json:"interval,omitempty"`
}

// AuthConfig configures handshake authentication.
type AuthConfig struct {
	// Secret is the HS256 signing key.
	Secret string `json:"secret,omitempty"`

	// Subject is the token subject. Default: the client name.
	Subject string `json:"subject,omitempty"`

	// TTL is the token lifetime. Default: 1 hour.
	TTL Duration `json:"ttl,omitempty"`
}

// MetricsConfig configures the metrics extension.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled,omitempty"`
	Namespace string `json:"namespace,omitempty"`

	// Addr serves /metrics when set, e.g. ":9090".
	Addr string `json:"addr,omitempty"`
}

// ServerConfig configures the development server.
type ServerConfig struct {
	Addr           string            `json:"addr,omitempty"`
	Timeout        Duration          `json:"timeout,omitempty"`
	Interval       Duration          `json:"interval,omitempty"`
	Ack            bool              `json:"ack,omitempty"`
	MaxRequestSize datasize.ByteSize `json:"maxRequestSize,omitempty"`
	Transports     []string          `json:"transports,omitempty"`
}

// New creates a new Config with default values.
func New() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads cometd.json from dir.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile reads configuration from the specified file path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New("C001").WithSubject(path).Wrap(err)
	}
	cfg, err := Parse(data)
	if err != nil {
		coded := errors.FromError(err, "C002")
		if coded.Subject == "" {
			coded.WithSubject(path)
		}
		return nil, coded
	}
	cfg.configPath = path
	return cfg, nil
}

// Parse decodes a configuration and fills in defaults. Unknown keys are an
// error so that typos do not go unnoticed.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.FromError(err, "C002").
			WithSuggestion("Check that the file is valid JSON and every key is spelled right")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.New("C002").Wrap(err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.New("C001").WithSubject(path).Wrap(err)
	}
	c.configPath = path
	return nil
}

// Path returns the path where the config was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

// applyDefaults fills in default values for empty fields.
func (c *Config) applyDefaults() {
	def := cometd.DefaultConfig()

	if len(c.Transports) == 0 {
		c.Transports = []string{transport.TypeWebSocket, transport.TypeLongPolling, transport.TypeCallbackPolling}
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.BackoffIncrement == 0 {
		c.BackoffIncrement = Duration(def.BackoffIncrement)
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = Duration(def.MaxBackoff)
	}
	if c.MaxNetworkDelay == 0 {
		c.MaxNetworkDelay = Duration(def.MaxNetworkDelay)
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.MaxURLLength == 0 {
		c.MaxURLLength = def.MaxURLLength
	}
	if c.Auth.TTL == 0 {
		c.Auth.TTL = Duration(DefaultTokenTTL)
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "cometd"
	}

	// Server
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
	if c.Server.Timeout == 0 {
		c.Server.Timeout = Duration(30 * time.Second)
	}
	if c.Server.MaxRequestSize == 0 {
		c.Server.MaxRequestSize = 4 * datasize.MB
	}
	if len(c.Server.Transports) == 0 {
		c.Server.Transports = []string{transport.TypeWebSocket, transport.TypeLongPolling, transport.TypeCallbackPolling}
	}
}

var knownTransports = []string{transport.TypeWebSocket, transport.TypeLongPolling, transport.TypeCallbackPolling}

// Validate checks if the configuration is valid. The URL is not required:
// `cometd serve` runs without one.
func (c *Config) Validate() error {
	for _, list := range [][]string{c.Transports, c.Server.Transports} {
		for _, typ := range list {
			if !slices.Contains(knownTransports, typ) {
				return errors.New("C007").WithSubject(typ)
			}
		}
	}
	if c.MaxConnections < 1 {
		return errors.New("C003").WithSubject("maxConnections").
			WithDetail("maxConnections must be at least 1")
	}
	if c.BackoffIncrement < 0 || c.MaxBackoff < c.BackoffIncrement {
		return errors.New("C003").WithSubject("maxBackoff").
			WithDetail("maxBackoff must not be smaller than backoffIncrement")
	}
	if _, err := cometd.ParseLogLevel(c.LogLevel); err != nil {
		return errors.New("C003").WithSubject("logLevel").Wrap(err)
	}
	if c.MaxURLLength < 0 {
		return errors.New("C003").WithSubject("maxURLLength").
			WithDetail("maxURLLength must be positive")
	}
	return nil
}

// ClientConfig converts the file configuration to a client configuration.
// The result is validated, so a missing URL is reported here.
func (c *Config) ClientConfig() (*cometd.Config, error) {
	out := cometd.DefaultConfig()
	out.URL = c.URL
	out.MaxConnections = c.MaxConnections
	out.BackoffIncrement = c.BackoffIncrement.Std()
	out.MaxBackoff = c.MaxBackoff.Std()
	out.MaxNetworkDelay = c.MaxNetworkDelay.Std()
	out.ConnectTimeout = c.ConnectTimeout.Std()
	out.LogLevel = c.LogLevel
	out.AutoBatch = c.AutoBatch
	out.MaxURLLength = c.MaxURLLength
	out.MaxMessageSize = int64(c.MaxMessageSize.Bytes())
	out.Origin = c.Origin

	if c.AppendMessageTypeToURL != nil {
		out.AppendMessageTypeToURL = *c.AppendMessageTypeToURL
	}
	if c.ReverseIncomingExtensions != nil {
		out.ReverseIncomingExtensions = *c.ReverseIncomingExtensions
	}
	if c.WebSocketEnabled != nil {
		out.WebSocketEnabled = *c.WebSocketEnabled
	}
	if !slices.Contains(c.Transports, transport.TypeWebSocket) {
		out.WebSocketEnabled = false
	}

	if len(c.RequestHeaders) > 0 {
		out.RequestHeaders = make(http.Header, len(c.RequestHeaders))
		for k, v := range c.RequestHeaders {
			out.RequestHeaders.Set(k, v)
		}
	}
	if c.Advice.Timeout != nil {
		out.Advice.Timeout = bayeux.Millis(c.Advice.Timeout.Std().Milliseconds())
	}
	if c.Advice.Interval != nil {
		out.Advice.Interval = bayeux.Millis(c.Advice.Interval.Std().Milliseconds())
	}

	if c.URL == "" {
		return nil, errors.New("C004")
	}
	if err := out.Validate(); err != nil {
		return nil, errors.New("C003").WithSubject(c.URL).Wrap(err)
	}
	return out, nil
}

// String summarizes the configuration for debug logs.
func (c *Config) String() string {
	return fmt.Sprintf("url=%s transports=%v log=%s", c.URL, c.Transports, c.LogLevel)
}
