package ocean

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/url"

	"github.com/golang-jwt/jwt/v5"
)

// Signer turns a request payload into the user_jwt token private endpoints
// expect.
type Signer interface {
	Sign(data map[string]interface{}) (string, error)
}

// SignerFunc adapts a plain function to Signer.
type SignerFunc func(data map[string]interface{}) (string, error)

func (f SignerFunc) Sign(data map[string]interface{}) (string, error) {
	return f(data)
}

// RS256Signer signs {"uid": uid, "data": payload} with an RSA private key.
type RS256Signer struct {
	uid string
	key *rsa.PrivateKey
}

func NewRS256Signer(uid string, pemKey []byte) (*RS256Signer, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &RS256Signer{uid: uid, key: key}, nil
}

func (s *RS256Signer) Sign(data map[string]interface{}) (string, error) {
	if data == nil {
		data = map[string]interface{}{}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"uid":  s.uid,
		"data": data,
	})
	return token.SignedString(s.key)
}

// envelope signs data and wraps it the way private endpoints take it.
func (c *Client) envelope(data map[string]interface{}) (url.Values, error) {
	if c.signer == nil {
		return nil, ErrNoAuthorization
	}
	token, err := c.signer.Sign(data)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	return url.Values{"user_jwt": {token}}, nil
}

// GetPrivate issues a signed GET; the token travels as a query parameter.
func (c *Client) GetPrivate(ctx context.Context, path string, data map[string]interface{}) (*Response, error) {
	env, err := c.envelope(data)
	if err != nil {
		return nil, err
	}
	return c.Get(ctx, path, env)
}

// PostPrivate issues a signed POST; the token travels as a form field.
func (c *Client) PostPrivate(ctx context.Context, path string, data map[string]interface{}) (*Response, error) {
	env, err := c.envelope(data)
	if err != nil {
		return nil, err
	}
	return c.Post(ctx, path, env)
}
