package ext

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vango-dev/cometd/pkg/bayeux"
)

// AuthField is the ext field carrying authentication data.
const AuthField = "authentication"

// Errors reported by handshake verification.
var (
	ErrMissingToken = errors.New("ext: handshake has no authentication token")
	ErrInvalidToken = errors.New("ext: invalid authentication token")
)

// TokenSource returns a fresh token.
type TokenSource func() (string, error)

// HMACTokenSource signs HS256 tokens for subject that expire after ttl.
func HMACTokenSource(key []byte, subject string, ttl time.Duration) TokenSource {
	return func() (string, error) {
		now := time.Now()
		claims := jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		}
		return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	}
}

// Auth attaches a JWT to every handshake under ext.authentication.token.
// The token is reused until it is within Leeway of its expiry.
type Auth struct {
	// Source provides tokens.
	Source TokenSource

	// Leeway refreshes tokens this long before they expire.
	// Default: 30 seconds.
	Leeway time.Duration

	// Logger receives token refresh failures. Default: slog.Default().
	Logger *slog.Logger

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewAuth creates the authentication extension.
func NewAuth(source TokenSource) *Auth {
	return &Auth{Source: source, Leeway: 30 * time.Second}
}

// Outgoing adds the token to handshakes. A handshake is sent without a
// token when none can be obtained, and the server decides.
func (x *Auth) Outgoing(m *bayeux.Message) *bayeux.Message {
	if m.Channel != bayeux.MetaHandshake {
		return m
	}
	token, err := x.Token()
	if err != nil {
		x.logger().Warn("authentication token unavailable", "error", err)
		return m
	}
	m.GetExt(true)[AuthField] = map[string]any{"token": token}
	return m
}

// Token returns the cached token, refreshing it when it is about to expire.
func (x *Auth) Token() (string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.token != "" && (x.expires.IsZero() || time.Until(x.expires) > x.Leeway) {
		return x.token, nil
	}
	if x.Source == nil {
		return "", ErrMissingToken
	}
	token, err := x.Source()
	if err != nil {
		return "", fmt.Errorf("ext: refresh token: %w", err)
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	x.token = token
	x.expires = time.Time{}
	if claims.ExpiresAt != nil {
		x.expires = claims.ExpiresAt.Time
	}
	return token, nil
}

func (x *Auth) logger() *slog.Logger {
	if x.Logger != nil {
		return x.Logger
	}
	return slog.Default()
}

// VerifyHandshake returns a server-side check for the token Auth attaches.
// keyFunc resolves the verification key as in jwt.Parse.
func VerifyHandshake(keyFunc jwt.Keyfunc, opts ...jwt.ParserOption) func(m *bayeux.Message) error {
	parser := jwt.NewParser(opts...)
	return func(m *bayeux.Message) error {
		auth, _ := m.Ext[AuthField].(map[string]any)
		token, _ := auth["token"].(string)
		if token == "" {
			return ErrMissingToken
		}
		if _, err := parser.Parse(token, keyFunc); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		return nil
	}
}
