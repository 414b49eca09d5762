package cometd

import (
	"runtime/debug"
	"slices"

	"github.com/vango-dev/cometd/pkg/bayeux"
)

// IncomingExtension rewrites messages received from the server before the
// client processes them. Returning nil drops the message.
type IncomingExtension interface {
	Incoming(m *bayeux.Message) *bayeux.Message
}

// OutgoingExtension rewrites messages before they are sent. Returning nil
// drops the message.
type OutgoingExtension interface {
	Outgoing(m *bayeux.Message) *bayeux.Message
}

// RegistrationAware extensions are told when they are added to and removed
// from a client. Registered is the place to keep the client for later calls;
// the extension hooks themselves must not call client methods.
type RegistrationAware interface {
	Registered(name string, c *Client)
	Unregistered()
}

type registeredExtension struct {
	name     string
	value    any
	incoming IncomingExtension
	outgoing OutgoingExtension
}

// RegisterExtension appends ext to the extension pipeline under name. ext
// must implement IncomingExtension, OutgoingExtension or both. It returns
// false if name is already taken.
func (c *Client) RegisterExtension(name string, ext any) (bool, error) {
	if name == "" || ext == nil {
		return false, ErrInvalidExtension
	}
	in, _ := ext.(IncomingExtension)
	out, _ := ext.(OutgoingExtension)
	if in == nil && out == nil {
		return false, ErrInvalidExtension
	}

	var added bool
	err := c.loop.Call(func() {
		if c.findExtension(name) >= 0 {
			c.logger.Info("extension already registered", "name", name)
			return
		}
		c.extensions = append(c.extensions, &registeredExtension{
			name:     name,
			value:    ext,
			incoming: in,
			outgoing: out,
		})
		added = true
		c.logger.Debug("registered extension", "name", name)
	})
	if err != nil {
		return false, callErr(err)
	}
	if added {
		if aware, ok := ext.(RegistrationAware); ok {
			aware.Registered(name, c)
		}
	}
	return added, nil
}

// UnregisterExtension removes the extension registered as name. It returns
// false if there was none.
func (c *Client) UnregisterExtension(name string) bool {
	var removed *registeredExtension
	_ = c.loop.Call(func() {
		if i := c.findExtension(name); i >= 0 {
			removed = c.extensions[i]
			c.extensions = slices.Delete(c.extensions, i, i+1)
			c.logger.Debug("unregistered extension", "name", name)
		}
	})
	if removed == nil {
		return false
	}
	if aware, ok := removed.value.(RegistrationAware); ok {
		aware.Unregistered()
	}
	return true
}

// Extension returns the extension registered as name, or nil.
func (c *Client) Extension(name string) any {
	var ext any
	_ = c.loop.Call(func() {
		if i := c.findExtension(name); i >= 0 {
			ext = c.extensions[i].value
		}
	})
	return ext
}

func (c *Client) findExtension(name string) int {
	return slices.IndexFunc(c.extensions, func(e *registeredExtension) bool {
		return e.name == name
	})
}

func (c *Client) applyOutgoingExtensions(m *bayeux.Message) *bayeux.Message {
	for _, ext := range c.extensions {
		if ext.outgoing == nil {
			continue
		}
		if m = c.applyExtension(ext, true, m); m == nil {
			c.logger.Debug("outgoing message dropped", "extension", ext.name)
			return nil
		}
	}
	return m
}

func (c *Client) applyIncomingExtensions(m *bayeux.Message) *bayeux.Message {
	exts := c.extensions
	if c.config.ReverseIncomingExtensions {
		exts = slices.Clone(exts)
		slices.Reverse(exts)
	}
	for _, ext := range exts {
		if ext.incoming == nil {
			continue
		}
		if m = c.applyExtension(ext, false, m); m == nil {
			c.logger.Debug("incoming message dropped", "extension", ext.name)
			return nil
		}
	}
	return m
}

// applyExtension runs one hook. A panicking hook leaves the message as it
// was handed in and the pipeline continues.
func (c *Client) applyExtension(ext *registeredExtension, outgoing bool, m *bayeux.Message) (result *bayeux.Message) {
	defer func() {
		if r := recover(); r != nil {
			perr := &PanicError{Value: r, Stack: string(debug.Stack())}
			c.logger.Error("extension panic",
				"panic", r,
				"extension", ext.name,
				"outgoing", outgoing,
				"channel", m.Channel,
				"stack", perr.Stack)

			c.hooksMu.RLock()
			hook := c.onExtensionPanic
			c.hooksMu.RUnlock()
			if hook != nil {
				hook(ext.name, outgoing, m, perr)
			}
			result = m
		}
	}()
	if outgoing {
		return ext.outgoing.Outgoing(m)
	}
	return ext.incoming.Incoming(m)
}
