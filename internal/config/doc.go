// Package config loads cometd.json, the file-driven configuration of the
// cometd command and of applications that prefer a file to code.
//
// # Configuration File Structure
//
//	{
//	  "url": "http://localhost:8080/cometd",
//	  "transports": ["websocket", "long-polling"],
//	  "maxConnections": 2,
//	  "backoffIncrement": "1s",
//	  "maxBackoff": "60s",
//	  "maxNetworkDelay": "10s",
//	  "logLevel": "info",
//	  "maxMessageSize": "64KB",
//	  "requestHeaders": {"X-Tenant": "acme"},
//	  "advice": {"timeout": "60s", "interval": "0s"},
//	  "auth": {"secret": "...", "subject": "cli", "ttl": "1h"},
//	  "ack": true,
//	  "metrics": {"enabled": true, "namespace": "cometd"},
//	  "server": {"addr": ":8080", "timeout": "30s", "maxRequestSize": "4MB"}
//	}
//
// Durations are Go duration strings or integer milliseconds. Sizes are
// datasize strings such as "64KB".
//
// # Usage
//
//	cfg, err := config.LoadFile("cometd.json")
//	if err != nil {
//	    return err
//	}
//	clientCfg, err := cfg.ClientConfig()
package config
