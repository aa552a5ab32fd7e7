// Package auth resolves the identity behind a signaling connection. In token
// mode identities come from HS256 consultation tokens minted by the booking
// backend; in none mode the client-asserted identity is trusted (dev only).
package auth

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/lawlink/consult-signaling/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Identity is the authenticated user behind one signaling connection.
type Identity struct {
	UserID      string
	DisplayName string
}

// Credential is the raw material a client presented, either on the query
// string at upgrade time or in the first auth frame.
type Credential struct {
	Token       string
	UserID      string
	DisplayName string
}

type Verifier interface {
	Verify(cred Credential) (Identity, error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return TrustedVerifier{}, nil
	case config.AuthModeToken:
		return newTokenVerifier(cfg.TokenSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// TrustedVerifier accepts whatever identity the client asserts. It backs
// AUTH_MODE=none and must never be used outside development.
type TrustedVerifier struct{}

func (TrustedVerifier) Verify(cred Credential) (Identity, error) {
	if cred.UserID == "" {
		return Identity{}, ErrMissingCredentials
	}
	name := cred.DisplayName
	if name == "" {
		name = cred.UserID
	}
	return Identity{UserID: cred.UserID, DisplayName: name}, nil
}

// CredentialFromQuery extracts credentials from the upgrade request's query
// string. ErrMissingCredentials means the client intends to authenticate via
// the first socket frame instead.
func CredentialFromQuery(mode config.AuthMode, q url.Values) (Credential, error) {
	switch mode {
	case config.AuthModeNone:
		if userID := q.Get("userId"); userID != "" {
			return Credential{UserID: userID, DisplayName: q.Get("displayName")}, nil
		}
		return Credential{}, ErrMissingCredentials
	case config.AuthModeToken:
		if token := q.Get("token"); token != "" {
			return Credential{Token: token}, nil
		}
		return Credential{}, ErrMissingCredentials
	default:
		return Credential{}, fmt.Errorf("unsupported auth mode %q", mode)
	}
}
