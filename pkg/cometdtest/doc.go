// Package cometdtest provides an in-process Bayeux server for tests and
// local development.
//
// The server speaks every transport the client supports: long-polling over
// POST, callback-polling over GET with a JSONP reply, and websocket. It keeps
// sessions, subscriptions with wildcard matching and publish fan-out, holds
// /meta/connect until a message arrives or the timeout advice elapses, and
// optionally implements the acknowledgement extension.
//
// # Quick Start
//
//	func TestChat(t *testing.T) {
//	    srv, url := cometdtest.NewTestServer(t)
//	    client := cometd.NewClient()
//	    cfg := cometd.DefaultConfig()
//	    cfg.URL = url
//	    if err := client.Init(cfg, nil); err != nil {
//	        t.Fatal(err)
//	    }
//	    // ...
//	    if n := len(srv.Requests(bayeux.MetaSubscribe)); n != 1 {
//	        t.Errorf("subscribes = %d", n)
//	    }
//	}
//
// # Fault Injection
//
// Intercept installs a function that sees every request before the server
// does and may answer it, drop it, or let it through:
//
//	srv.Intercept(func(m *bayeux.Message) (*bayeux.Message, bool) {
//	    if m.Channel == bayeux.MetaConnect {
//	        return nil, true // lose every connect
//	    }
//	    return nil, false
//	})
//
// Server.Disconnect forgets a session, which makes its next request fail
// with a 402 error and handshake advice.
package cometdtest
