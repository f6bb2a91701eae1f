package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// APIKeyHeader carries an API key.
const APIKeyHeader = "X-API-Key"

// Authenticator resolves request credentials to a Principal.
//
// API key hashes are expensive to verify, so a key that verified once is
// remembered by its SHA-256 digest for the life of the process.
type Authenticator struct {
	secret    string
	keyHashes []string
	keyRole   Role
	required  bool

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]string
}

// AuthenticatorConfig holds authenticator settings.
type AuthenticatorConfig struct {
	// JWTSecret verifies bearer tokens. Empty disables tokens.
	JWTSecret string

	// APIKeyHashes are Argon2id PHC hashes of accepted keys.
	APIKeyHashes []string

	// APIKeyRole is granted to API key callers. Default: admin.
	APIKeyRole Role

	// Required rejects requests without credentials. When false they are
	// treated as admin, for installations on a trusted network.
	Required bool
}

// NewAuthenticator creates an authenticator.
func NewAuthenticator(cfg AuthenticatorConfig) *Authenticator {
	role := cfg.APIKeyRole
	if role == "" {
		role = RoleAdmin
	}
	return &Authenticator{
		secret:    cfg.JWTSecret,
		keyHashes: append([]string(nil), cfg.APIKeyHashes...),
		keyRole:   role,
		required:  cfg.Required,
		verified:  make(map[[sha256.Size]byte]string),
	}
}

// Required reports whether credentials are mandatory.
func (a *Authenticator) Required() bool {
	return a.required
}

// Authenticate inspects the Authorization and X-API-Key headers. The
// token query parameter is accepted for WebSocket clients that cannot set
// headers.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	if key := r.Header.Get(APIKeyHeader); key != "" {
		return a.authenticateKey(key)
	}

	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token != "" {
		return a.AuthenticateToken(token)
	}

	if a.required {
		return Principal{}, ErrNoCredentials
	}
	return Principal{Subject: "anonymous", Role: RoleAdmin, Method: MethodNone}, nil
}

// AuthenticateToken verifies a bearer token.
func (a *Authenticator) AuthenticateToken(token string) (Principal, error) {
	if a.secret == "" {
		return Principal{}, fmt.Errorf("%w: tokens are not enabled", ErrTokenInvalid)
	}
	claims, err := ParseToken(token, a.secret)
	if err != nil {
		return Principal{}, err
	}
	return Principal{Subject: claims.Subject, Role: claims.Role, Method: MethodToken}, nil
}

func (a *Authenticator) authenticateKey(key string) (Principal, error) {
	digest := sha256.Sum256([]byte(key))

	a.mu.RLock()
	hash, ok := a.verified[digest]
	a.mu.RUnlock()
	if ok {
		return a.keyPrincipal(hash), nil
	}

	for _, h := range a.keyHashes {
		match, err := VerifyAPIKey(key, h)
		if err != nil {
			continue
		}
		if match {
			a.mu.Lock()
			a.verified[digest] = h
			a.mu.Unlock()
			return a.keyPrincipal(h), nil
		}
	}
	return Principal{}, ErrAPIKeyInvalid
}

// keyPrincipal names an API key caller by a short fingerprint of its hash.
func (a *Authenticator) keyPrincipal(hash string) Principal {
	sum := sha256.Sum256([]byte(hash))
	return Principal{Subject: fmt.Sprintf("apikey:%x", sum[:4]), Role: a.keyRole, Method: MethodAPIKey}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// IsAuthError reports whether err is a credential failure, as opposed to a
// permission failure.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrNoCredentials) || errors.Is(err, ErrTokenInvalid) ||
		errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrAPIKeyInvalid)
}
