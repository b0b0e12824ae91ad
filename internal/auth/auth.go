// Package auth extracts and verifies the credentials that gate the signaling
// WebSocket and the room administration endpoints.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/asistencia/signaling-relay/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Verifier checks a credential and returns the session id it carries, if any.
type Verifier interface {
	Verify(credential string) (sessionID string, err error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// CredentialFromRequest returns the credential presented on r for mode.
//
// Lookup order: Authorization: Bearer, X-API-Key, then the query parameter
// browsers can set on a WebSocket URL (apiKey for api_key, token for jwt; the
// other name is accepted as a fallback).
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	if mode == config.AuthModeNone {
		return "", nil
	}
	if mode != config.AuthModeAPIKey && mode != config.AuthModeJWT {
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}

	if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
		scheme, value, ok := strings.Cut(authz, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			if value = strings.TrimSpace(value); value != "" {
				return value, nil
			}
		}
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key, nil
	}

	q := r.URL.Query()
	primary, fallback := "apiKey", "token"
	if mode == config.AuthModeJWT {
		primary, fallback = fallback, primary
	}
	if v := q.Get(primary); v != "" {
		return v, nil
	}
	if v := q.Get(fallback); v != "" {
		return v, nil
	}
	return "", ErrMissingCredentials
}

// Authenticator applies the configured auth mode to incoming requests. The
// zero value (and AuthModeNone) admits every request.
type Authenticator struct {
	Mode     config.AuthMode
	Verifier Verifier
}

func NewAuthenticator(cfg config.Config) (Authenticator, error) {
	if cfg.AuthMode == config.AuthModeNone || cfg.AuthMode == "" {
		return Authenticator{Mode: config.AuthModeNone}, nil
	}
	v, err := NewVerifier(cfg)
	if err != nil {
		return Authenticator{}, err
	}
	return Authenticator{Mode: cfg.AuthMode, Verifier: v}, nil
}

// Authenticate returns the session id of the credential on r. It is empty
// for modes that carry none.
func (a Authenticator) Authenticate(r *http.Request) (string, error) {
	if a.Mode == config.AuthModeNone || a.Mode == "" {
		return "", nil
	}
	if a.Verifier == nil {
		return "", fmt.Errorf("auth mode %q has no verifier", a.Mode)
	}
	cred, err := CredentialFromRequest(a.Mode, r)
	if err != nil {
		return "", err
	}
	return a.Verifier.Verify(cred)
}
