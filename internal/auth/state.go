package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const stateTTL = 15 * time.Minute

// SignState binds an OAuth round trip to userID. The provider echoes the
// returned value back to the callback, which carries no caller credentials.
func SignState(secret []byte, userID string) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("state signing secret is empty")
	}
	tok, err := jwt.NewBuilder().
		Subject(userID).
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(stateTTL)).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build state: %w", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign state: %w", err)
	}
	return string(signed), nil
}

// VerifyState returns the user id a state value was issued for.
func VerifyState(secret []byte, state string) (string, error) {
	tok, err := jwt.Parse([]byte(state), jwt.WithKey(jwa.HS256, secret), jwt.WithValidate(true))
	if err != nil {
		return "", fmt.Errorf("invalid state: %w", err)
	}
	if tok.Subject() == "" {
		return "", ErrMissingSubject
	}
	return tok.Subject(), nil
}
