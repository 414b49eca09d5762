package cometd

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/vango-dev/cometd/pkg/bayeux"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxConnections != 2 || cfg.BackoffIncrement != time.Second || cfg.MaxBackoff != time.Minute {
		t.Errorf("connection defaults = %d %v %v", cfg.MaxConnections, cfg.BackoffIncrement, cfg.MaxBackoff)
	}
	if cfg.MaxNetworkDelay != 10*time.Second || !cfg.ReverseIncomingExtensions || !cfg.AppendMessageTypeToURL || cfg.AutoBatch {
		t.Errorf("behaviour defaults = %+v", cfg)
	}
	if cfg.Advice.Reconnect != bayeux.ReconnectRetry || cfg.Advice.TimeoutDuration() != time.Minute || cfg.Advice.IntervalDuration() != 0 {
		t.Errorf("advice default = %+v", cfg.Advice)
	}
	if cfg.MaxURLLength != 2000 || !cfg.WebSocketEnabled {
		t.Errorf("transport defaults = %d %v", cfg.MaxURLLength, cfg.WebSocketEnabled)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   error
		field  string
	}{
		{"valid", func(*Config) {}, nil, ""},
		{"missing url", func(c *Config) { c.URL = "" }, ErrMissingURL, ""},
		{"websocket scheme", func(c *Config) { c.URL = "ws://localhost/cometd" }, ErrUnsupportedScheme, "URL"},
		{"log level", func(c *Config) { c.LogLevel = "verbose" }, ErrInvalidLogLevel, "LogLevel"},
		{"backoff range", func(c *Config) { c.MaxBackoff = time.Millisecond }, ErrBackoffRange, "MaxBackoff"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.URL = "http://localhost/cometd"
			tt.modify(cfg)

			err := cfg.Validate()
			if !errors.Is(err, tt.want) {
				t.Fatalf("Validate() error = %v, want %v", err, tt.want)
			}
			var cerr *ConfigError
			if tt.field != "" && (!errors.As(err, &cerr) || cerr.Field != tt.field) {
				t.Errorf("Validate() error = %v, want field %s", err, tt.field)
			}
		})
	}
}

func TestConfigApplyDefaults(t *testing.T) {
	cfg := &Config{
		URL:    "http://localhost/cometd",
		Advice: bayeux.Advice{Timeout: bayeux.Millis(5000)},
	}
	cfg.applyDefaults()

	if cfg.MaxConnections != 2 || cfg.MaxNetworkDelay != 10*time.Second || cfg.LogLevel != "info" {
		t.Errorf("applyDefaults() = %+v", cfg)
	}
	if cfg.Advice.TimeoutDuration() != 5*time.Second {
		t.Errorf("advice timeout overridden: %v", cfg.Advice.TimeoutDuration())
	}
	if cfg.Advice.Reconnect != bayeux.ReconnectRetry || cfg.Advice.Interval == nil {
		t.Errorf("advice defaults missing: %+v", cfg.Advice)
	}
}

func TestConfigClone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestHeaders = http.Header{"X-Token": {"a"}}
	clone := cfg.Clone()
	clone.RequestHeaders.Set("X-Token", "b")
	*clone.Advice.Timeout = 1

	if cfg.RequestHeaders.Get("X-Token") != "a" || *cfg.Advice.Timeout != 60000 {
		t.Error("Clone() shares state with the original")
	}
}

func TestCanAppendMessageType(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"http://localhost/cometd", true},
		{"http://localhost/cometd/", true},
		{"http://localhost:8080", true},
		{"http://localhost/v1.2/cometd", true},
		{"http://localhost/cometd?x=1", false},
		{"http://localhost/cometd#frag", false},
		{"http://localhost/cometd/servlet.do", false},
		{"http://localhost/cometd.php", false},
	}
	for _, tt := range tests {
		if got := canAppendMessageType(tt.url); got != tt.want {
			t.Errorf("canAppendMessageType(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestSendURL(t *testing.T) {
	tests := []struct {
		url    string
		append bool
		extra  string
		want   string
	}{
		{"http://h/cometd", true, "connect", "http://h/cometd/connect"},
		{"http://h/cometd/", true, "handshake", "http://h/cometd/handshake"},
		{"http://h/cometd", true, "", "http://h/cometd/"},
		{"http://h/cometd", false, "connect", "http://h/cometd"},
	}
	for _, tt := range tests {
		c := &Client{url: tt.url, appendType: tt.append}
		if got := c.sendURL(tt.extra); got != tt.want {
			t.Errorf("sendURL(%q, %v, %q) = %q, want %q", tt.url, tt.append, tt.extra, got, tt.want)
		}
	}
}

func TestConfigureDisablesAppendForServletURLs(t *testing.T) {
	c, _ := newTestClient(t, serverReply)
	cfg := testConfig()
	cfg.URL = "http://localhost/cometd.php"
	if err := c.Configure(cfg); err != nil {
		t.Fatal(err)
	}
	var appendType bool
	_ = c.loop.Call(func() { appendType = c.appendType })
	if appendType {
		t.Error("appendMessageTypeToURL stayed on for a servlet URL")
	}
	if !c.Configuration().AppendMessageTypeToURL {
		t.Error("Configuration() should keep the requested setting")
	}
}

func TestCrossDomain(t *testing.T) {
	tests := []struct {
		origin, target string
		want           bool
	}{
		{"", "http://other/cometd", false},
		{"http://example.com", "http://example.com/cometd", false},
		{"http://example.com", "https://example.com/cometd", true},
		{"http://example.com", "http://other.com/cometd", true},
		{"http://example.com:8080", "http://example.com/cometd", true},
	}
	for _, tt := range tests {
		if got := crossDomain(tt.origin, tt.target); got != tt.want {
			t.Errorf("crossDomain(%q, %q) = %v, want %v", tt.origin, tt.target, got, tt.want)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	c := New("levels", WithLogger(testLogger()))
	t.Cleanup(func() { _ = c.Close() })
	for _, name := range []string{"error", "warn", "info", "debug", "DEBUG"} {
		if err := c.SetLogLevel(name); err != nil {
			t.Errorf("SetLogLevel(%q) error = %v", name, err)
		}
	}
	if err := c.SetLogLevel("loud"); !errors.Is(err, ErrInvalidLogLevel) {
		t.Errorf("SetLogLevel(loud) error = %v", err)
	}
}

func TestStatusString(t *testing.T) {
	for s, want := range map[Status]string{
		StatusDisconnected:  "disconnected",
		StatusHandshaking:   "handshaking",
		StatusConnecting:    "connecting",
		StatusConnected:     "connected",
		StatusDisconnecting: "disconnecting",
		Status(42):          "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
