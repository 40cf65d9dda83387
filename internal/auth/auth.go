// Package auth turns the idToken carried by inbound messages into a user id.
package auth

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/api/idtoken"
)

// ErrInvalidToken is returned for tokens that do not verify.
var ErrInvalidToken = errors.New("auth: invalid token")

// Verifier resolves an id token to the caller's user id.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// Google validates Google-signed OAuth2 id tokens and uses the email claim
// as the user id.
type Google struct {
	// Audience is the expected OAuth client id; empty skips the check.
	Audience string
	validate func(ctx context.Context, token, audience string) (*idtoken.Payload, error)
}

func NewGoogle(audience string) *Google {
	return &Google{Audience: audience, validate: idtoken.Validate}
}

func (g *Google) Verify(ctx context.Context, token string) (string, error) {
	p, err := g.validate(ctx, token, g.Audience)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	email, _ := p.Claims["email"].(string)
	if email == "" {
		return "", fmt.Errorf("%w: no email claim", ErrInvalidToken)
	}
	return email, nil
}

// Static maps fixed tokens to user ids, for local setups and tests.
type Static map[string]string

func (s Static) Verify(_ context.Context, token string) (string, error) {
	if u, ok := s[token]; ok {
		return u, nil
	}
	return "", ErrInvalidToken
}

// New builds the verifier selected by mode: "google" or "static".
func New(mode, audience string, tokens map[string]string) (Verifier, error) {
	switch mode {
	case "", "google":
		return NewGoogle(audience), nil
	case "static":
		return Static(tokens), nil
	default:
		return nil, fmt.Errorf("auth: unknown mode %q", mode)
	}
}
