package bayeux

import "strings"

// Meta channels.
const (
	MetaHandshake   = "/meta/handshake"
	MetaConnect     = "/meta/connect"
	MetaDisconnect  = "/meta/disconnect"
	MetaSubscribe   = "/meta/subscribe"
	MetaUnsubscribe = "/meta/unsubscribe"

	// MetaPublish and MetaUnsuccessful are client-local channels used to
	// notify listeners of publish replies and of failures.
	MetaPublish      = "/meta/publish"
	MetaUnsuccessful = "/meta/unsuccessful"
)

const (
	metaPrefix    = "/meta/"
	servicePrefix = "/service/"
)

// IsMeta reports whether channel is a meta channel.
func IsMeta(channel string) bool {
	return strings.HasPrefix(channel, metaPrefix)
}

// IsService reports whether channel is a service channel.
func IsService(channel string) bool {
	return strings.HasPrefix(channel, servicePrefix)
}

// IsWild reports whether channel ends with a single or recursive glob.
func IsWild(channel string) bool {
	return strings.HasSuffix(channel, "/*") || strings.HasSuffix(channel, "/**")
}

// ValidChannel reports whether channel is an absolute channel name with no
// empty segments.
func ValidChannel(channel string) bool {
	if len(channel) < 2 || channel[0] != '/' {
		return false
	}
	for _, seg := range strings.Split(channel[1:], "/") {
		if seg == "" {
			return false
		}
	}
	return true
}

// Globs returns the wildcard channels a message on channel is delivered to,
// deepest first.
//
// A recursive glob is produced at every ancestor including the root. A
// single-segment glob is produced at every ancestor except the root, which
// only gets one when the channel has a single segment. For /a/b/c:
//
//	/a/b/*  /a/b/**  /a/*  /a/**  /**
func Globs(channel string) []string {
	if !strings.HasPrefix(channel, "/") {
		return nil
	}
	parts := strings.Split(channel, "/")
	last := len(parts) - 1
	globs := make([]string, 0, 2*last)
	for i := last; i > 0; i-- {
		prefix := strings.Join(parts[:i], "/")
		if i > 1 || i == last {
			globs = append(globs, prefix+"/*")
		}
		globs = append(globs, prefix+"/**")
	}
	return globs
}
