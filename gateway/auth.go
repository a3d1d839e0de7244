package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"gigledger/config"
)

// ScopeArbiter authorises dispute resolution and fee administration through
// the gateway. The ledger's role store remains the source of truth; the
// scope only gates the HTTP surface.
const ScopeArbiter = "arbiter"

// ErrUnauthenticated is returned when a request carries no valid bearer
// token.
var ErrUnauthenticated = errors.New("gateway: unauthenticated")

// AuthConfig configures bearer-token validation.
type AuthConfig struct {
	Secret    string
	Issuer    string
	ClockSkew time.Duration
}

// Principal is the authenticated caller: the ledger address from the token
// subject plus its granted scopes.
type Principal struct {
	Address [20]byte
	Scopes  []string
}

// HasScope reports whether the principal carries the scope.
func (p *Principal) HasScope(scope string) bool {
	if p == nil {
		return false
	}
	for _, granted := range p.Scopes {
		if granted == scope {
			return true
		}
	}
	return false
}

// Authenticator validates HS256 bearer tokens whose subject is the caller's
// hex-encoded ledger address.
type Authenticator struct {
	secret []byte
	issuer string
	skew   time.Duration
}

// NewAuthenticator creates a bearer-token authenticator.
func NewAuthenticator(cfg AuthConfig) *Authenticator {
	skew := cfg.ClockSkew
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	return &Authenticator{
		secret: []byte(strings.TrimSpace(cfg.Secret)),
		issuer: strings.TrimSpace(cfg.Issuer),
		skew:   skew,
	}
}

// Authenticate extracts and validates the bearer token from the request.
func (a *Authenticator) Authenticate(r *http.Request) (*Principal, error) {
	tokenString := extractBearer(r.Header.Get("Authorization"))
	if tokenString == "" {
		return nil, fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}
	if len(a.secret) == 0 {
		return nil, fmt.Errorf("%w: auth secret not configured", ErrUnauthenticated)
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.skew))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims payload", ErrUnauthenticated)
	}
	if a.issuer != "" {
		issuer, err := claims.GetIssuer()
		if err != nil || issuer != a.issuer {
			return nil, fmt.Errorf("%w: issuer mismatch", ErrUnauthenticated)
		}
	}
	subject, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrUnauthenticated)
	}
	addr, err := config.DecodeAddress(subject)
	if err != nil {
		return nil, fmt.Errorf("%w: subject is not a ledger address", ErrUnauthenticated)
	}
	return &Principal{Address: addr, Scopes: extractScopes(claims)}, nil
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func extractScopes(claims jwt.MapClaims) []string {
	raw, ok := claims["scope"]
	if !ok {
		return nil
	}
	switch value := raw.(type) {
	case string:
		return strings.Fields(value)
	case []interface{}:
		scopes := make([]string, 0, len(value))
		for _, entry := range value {
			if s, ok := entry.(string); ok {
				scopes = append(scopes, s)
			}
		}
		return scopes
	default:
		return nil
	}
}
