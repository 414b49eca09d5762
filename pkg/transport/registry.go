package transport

import "slices"

// Registry keeps named transports in priority order.
//
// A Registry is not safe for concurrent use; the client only touches it from
// its event loop.
type Registry struct {
	types      []string
	transports map[string]Transport
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{transports: make(map[string]Transport)}
}

// Add registers t under typ at position index, or at the end when index is
// out of range. It returns false if typ is already registered.
func (r *Registry) Add(typ string, t Transport, index int) bool {
	if _, exists := r.transports[typ]; exists {
		return false
	}
	if index < 0 || index >= len(r.types) {
		r.types = append(r.types, typ)
	} else {
		r.types = slices.Insert(r.types, index, typ)
	}
	r.transports[typ] = t
	return true
}

// Remove unregisters typ and returns its transport, or nil.
func (r *Registry) Remove(typ string) Transport {
	t, ok := r.transports[typ]
	if !ok {
		return nil
	}
	delete(r.transports, typ)
	if i := slices.Index(r.types, typ); i >= 0 {
		r.types = slices.Delete(r.types, i, i+1)
	}
	return t
}

// Clear unregisters everything and returns the removed types in priority
// order.
func (r *Registry) Clear() []string {
	removed := r.types
	r.types = nil
	r.transports = make(map[string]Transport)
	return removed
}

// Types returns the registered types in priority order.
func (r *Registry) Types() []string {
	return slices.Clone(r.types)
}

// Find returns the transport registered as typ, or nil.
func (r *Registry) Find(typ string) Transport {
	return r.transports[typ]
}

// FindTransportTypes returns the registered types whose transport accepts
// the given version, cross-domain-ness and URL, in priority order.
func (r *Registry) FindTransportTypes(version string, crossDomain bool, url string) []string {
	var types []string
	for _, typ := range r.types {
		if r.transports[typ].Accept(version, crossDomain, url) {
			types = append(types, typ)
		}
	}
	return types
}

// NegotiateTransport returns the first registered transport that is listed
// in candidates and accepts the parameters, or nil. Registration order wins
// over the order of candidates.
func (r *Registry) NegotiateTransport(candidates []string, version string, crossDomain bool, url string) Transport {
	for _, typ := range r.types {
		if !slices.Contains(candidates, typ) {
			continue
		}
		if t := r.transports[typ]; t.Accept(version, crossDomain, url) {
			return t
		}
	}
	return nil
}

// Reset resets every registered transport.
func (r *Registry) Reset() {
	for _, typ := range r.types {
		r.transports[typ].Reset()
	}
}
