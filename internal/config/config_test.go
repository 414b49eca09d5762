package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/vango-dev/cometd/internal/errors"
	"github.com/vango-dev/cometd/pkg/transport"
)

func TestNew(t *testing.T) {
	cfg := New()

	if len(cfg.Transports) != 3 || cfg.Transports[0] != transport.TypeWebSocket {
		t.Errorf("Transports = %v", cfg.Transports)
	}
	if cfg.MaxConnections != 2 {
		t.Errorf("MaxConnections = %d, want 2", cfg.MaxConnections)
	}
	if cfg.BackoffIncrement.Std() != time.Second {
		t.Errorf("BackoffIncrement = %v", cfg.BackoffIncrement.Std())
	}
	if cfg.Server.Addr != DefaultServerAddr {
		t.Errorf("Server.Addr = %q, want %q", cfg.Server.Addr, DefaultServerAddr)
	}
	if cfg.Server.MaxRequestSize != 4*datasize.MB {
		t.Errorf("Server.MaxRequestSize = %v", cfg.Server.MaxRequestSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()

	_, err := Load(tmpDir)
	if got := errors.Code(err); got != "C001" {
		t.Errorf("missing file error = %v, want C001", err)
	}

	configJSON := `{
  "url": "http://localhost:8080/cometd",
  "transports": ["long-polling"],
  "backoffIncrement": "250ms",
  "maxBackoff": 5000,
  "logLevel": "debug",
  "maxMessageSize": "64KB",
  "appendMessageTypeToURL": false,
  "requestHeaders": {"x-tenant": "acme"},
  "advice": {"timeout": "30s", "interval": 0},
  "auth": {"secret": "s3cret", "subject": "cli"},
  "ack": true,
  "server": {"addr": ":9000", "timeout": "2s", "maxRequestSize": "1MB"}
}
`
	path := filepath.Join(tmpDir, ConfigFileName)
	if err := os.WriteFile(path, []byte(configJSON), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Path() != path {
		t.Errorf("Path() = %q, want %q", cfg.Path(), path)
	}
	if cfg.BackoffIncrement.Std() != 250*time.Millisecond {
		t.Errorf("BackoffIncrement = %v", cfg.BackoffIncrement.Std())
	}
	if cfg.MaxBackoff.Std() != 5*time.Second {
		t.Errorf("MaxBackoff = %v, want integer milliseconds", cfg.MaxBackoff.Std())
	}
	if cfg.MaxMessageSize != 64*datasize.KB {
		t.Errorf("MaxMessageSize = %v", cfg.MaxMessageSize)
	}
	if cfg.Auth.TTL.Std() != DefaultTokenTTL {
		t.Errorf("Auth.TTL = %v, want default", cfg.Auth.TTL.Std())
	}
	if cfg.Server.Addr != ":9000" || cfg.Server.Timeout.Std() != 2*time.Second || cfg.Server.MaxRequestSize != datasize.MB {
		t.Errorf("Server = %+v", cfg.Server)
	}
}

func TestClientConfig(t *testing.T) {
	cfg, err := Parse([]byte(`{
  "url": "http://localhost:8080/cometd",
  "transports": ["long-polling", "callback-polling"],
  "maxMessageSize": "2KB",
  "appendMessageTypeToURL": false,
  "reverseIncomingExtensions": false,
  "requestHeaders": {"x-tenant": "acme"},
  "advice": {"timeout": "30s", "interval": 100}
}`))
	if err != nil {
		t.Fatal(err)
	}

	out, err := cfg.ClientConfig()
	if err != nil {
		t.Fatalf("ClientConfig() error = %v", err)
	}
	if out.URL != "http://localhost:8080/cometd" {
		t.Errorf("URL = %q", out.URL)
	}
	if out.AppendMessageTypeToURL || out.ReverseIncomingExtensions {
		t.Error("explicit false values were not applied")
	}
	if out.WebSocketEnabled {
		t.Error("WebSocketEnabled = true without websocket in transports")
	}
	if out.MaxMessageSize != 2048 {
		t.Errorf("MaxMessageSize = %d", out.MaxMessageSize)
	}
	if got := out.RequestHeaders.Get("X-Tenant"); got != "acme" {
		t.Errorf("X-Tenant header = %q", got)
	}
	if *out.Advice.Timeout != 30000 || *out.Advice.Interval != 100 {
		t.Errorf("Advice = %d/%d", *out.Advice.Timeout, *out.Advice.Interval)
	}
	if out.MaxBackoff != time.Minute {
		t.Errorf("MaxBackoff = %v, want the default", out.MaxBackoff)
	}

	defaults := New()
	if _, err := defaults.ClientConfig(); errors.Code(err) != "C004" {
		t.Errorf("ClientConfig() without URL = %v, want C004", err)
	}
	defaults.URL = "ftp://example.com"
	if _, err := defaults.ClientConfig(); errors.Code(err) != "C003" {
		t.Errorf("ClientConfig() with ftp URL = %v, want C003", err)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		json string
		code string
	}{
		{"not json", `{`, "C002"},
		{"unknown key", `{"urll": "x"}`, "C002"},
		{"bad duration", `{"maxBackoff": "soon"}`, "C005"},
		{"bad size", `{"maxMessageSize": "lots"}`, "C002"},
		{"unknown transport", `{"transports": ["carrier-pigeon"]}`, "C007"},
		{"unknown server transport", `{"server": {"transports": ["smoke"]}}`, "C007"},
		{"backoff range", `{"backoffIncrement": "10s", "maxBackoff": "1s"}`, "C003"},
		{"log level", `{"logLevel": "loud"}`, "C003"},
		{"connections", `{"maxConnections": -1}`, "C003"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.json))
			if got := errors.Code(err); got != tt.code {
				t.Errorf("Parse() error = %v, want code %s", err, tt.code)
			}
		})
	}
}

func TestLoadFileNamesTheFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	if err := os.WriteFile(path, []byte(`{"maxConnections": "two"}`), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := LoadFile(path)
	var coded *errors.Error
	if !asError(err, &coded) || coded.Subject != path {
		t.Errorf("LoadFile() error = %v, want subject %s", err, path)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := New()
	cfg.URL = "http://localhost/cometd"
	cfg.MaxMessageSize = 16 * datasize.KB
	path := filepath.Join(t.TempDir(), ConfigFileName)
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if loaded.URL != cfg.URL || loaded.MaxMessageSize != cfg.MaxMessageSize || loaded.MaxBackoff != cfg.MaxBackoff {
		t.Errorf("loaded = %+v, want %+v", loaded, cfg)
	}
}

func asError(err error, target **errors.Error) bool {
	e := errors.FromError(err, "")
	if e == nil || e.Code == "" {
		return false
	}
	*target = e
	return true
}
