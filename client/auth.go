package client

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"gridsql/internal/protocol"
)

// Credentials produce the authentication extensions of a handshake. They
// are evaluated once per handshake attempt.
type Credentials interface {
	HandshakeExtensions() (map[string]string, error)
}

// BasicAuth authenticates with a user name and password.
type BasicAuth struct {
	Username string
	Password string
}

func (a *BasicAuth) HandshakeExtensions() (map[string]string, error) {
	if a.Username == "" {
		return nil, errors.New("basic auth: empty username")
	}
	return map[string]string{
		protocol.ExtAuthType:     "basic",
		protocol.ExtAuthIdentity: a.Username,
		protocol.ExtAuthSecret:   a.Password,
	}, nil
}

// DefaultTokenTTL is the lifetime of tokens minted by TokenAuth.
const DefaultTokenTTL = 5 * time.Minute

// TokenAuth authenticates with a short-lived HS256 JWT signed with a key
// shared with the cluster. A fresh token is minted for every handshake.
type TokenAuth struct {
	Subject string
	Key     []byte
	TTL     time.Duration
}

func (a *TokenAuth) HandshakeExtensions() (map[string]string, error) {
	if len(a.Key) == 0 {
		return nil, errors.New("token auth: empty signing key")
	}
	ttl := a.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   a.Subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.Key)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		protocol.ExtAuthType:     "jwt",
		protocol.ExtAuthIdentity: a.Subject,
		protocol.ExtAuthSecret:   token,
	}, nil
}
