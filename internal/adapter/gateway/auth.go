package gateway

import (
	"golang.org/x/crypto/bcrypt"

	"squadron/internal/domain"
	"squadron/internal/infra/config"
)

// ClientInfo holds metadata about an authenticated gateway client.
type ClientInfo struct {
	Name string
}

// Authenticator validates incoming gateway connections.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

type hashedEntry struct {
	hash []byte
	info *ClientInfo
}

// HashedTokenAuth authenticates bearer tokens against bcrypt hashes, so
// plaintext tokens never appear in configuration.
type HashedTokenAuth struct {
	entries []hashedEntry
}

// NewHashedTokenAuth builds an authenticator from configured credentials.
func NewHashedTokenAuth(tokens []config.TokenConfig) *HashedTokenAuth {
	a := &HashedTokenAuth{entries: make([]hashedEntry, 0, len(tokens))}
	for _, t := range tokens {
		a.entries = append(a.entries, hashedEntry{
			hash: []byte(t.Hash),
			info: &ClientInfo{Name: t.Name},
		})
	}
	return a
}

// Authenticate returns the client owning token. Every entry is checked so
// the cost does not reveal which one matched.
func (a *HashedTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	if token == "" {
		return nil, domain.ErrGatewayAuthFailed
	}
	var match *ClientInfo
	for _, e := range a.entries {
		if bcrypt.CompareHashAndPassword(e.hash, []byte(token)) == nil && match == nil {
			match = e.info
		}
	}
	if match == nil {
		return nil, domain.ErrGatewayAuthFailed
	}
	return match, nil
}

// HashToken returns a bcrypt hash suitable for config.TokenConfig.Hash.
func HashToken(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// openAuth accepts every connection. Used when no tokens are configured and
// the gateway listens on loopback only.
type openAuth struct{}

func (openAuth) Authenticate(string) (*ClientInfo, error) {
	return &ClientInfo{Name: "anonymous"}, nil
}

// OpenAuth returns an Authenticator that accepts any token.
func OpenAuth() Authenticator { return openAuth{} }
