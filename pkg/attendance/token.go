package attendance

import (
	"context"
	"strings"
)

// TokenSource supplies the bearer credential for API calls
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed credential
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if strings.TrimSpace(string(t)) == "" {
		return "", ErrAuthenticationRequired
	}
	return string(t), nil
}

type tokenKey struct{}

// ContextWithToken attaches a per-request credential to ctx
func ContextWithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// ContextToken reads the credential placed by ContextWithToken
type ContextToken struct{}

func (ContextToken) Token(ctx context.Context) (string, error) {
	token, _ := ctx.Value(tokenKey{}).(string)
	if strings.TrimSpace(token) == "" {
		return "", ErrAuthenticationRequired
	}
	return token, nil
}

// ChainTokens returns the first credential any source yields
func ChainTokens(sources ...TokenSource) TokenSource {
	return tokenChain(sources)
}

type tokenChain []TokenSource

func (c tokenChain) Token(ctx context.Context) (string, error) {
	for _, src := range c {
		if token, err := src.Token(ctx); err == nil && token != "" {
			return token, nil
		}
	}
	return "", ErrAuthenticationRequired
}
