package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token expired")
	ErrMalformedAuth = errors.New("malformed authorization header")
)

const tokenTTL = 24 * time.Hour

// TokenService issues and validates HMAC-SHA256 signed bearer tokens.
type TokenService struct {
	secret []byte
}

func NewTokenService(secret string) *TokenService {
	return &TokenService{secret: []byte(secret)}
}

func (t *TokenService) Generate(user User) (string, error) {
	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	claims := TokenClaims{
		UserID: user.ID,
		Role:   string(user.Role),
		Exp:    time.Now().Add(tokenTTL).Unix(),
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	message := base64.RawURLEncoding.EncodeToString(headerBytes) +
		"." + base64.RawURLEncoding.EncodeToString(payloadBytes)
	return message + "." + t.sign(message), nil
}

func (t *TokenService) Validate(token string) (*TokenClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}

	message := parts[0] + "." + parts[1]
	if !hmac.Equal([]byte(parts[2]), []byte(t.sign(message))) {
		return nil, ErrInvalidToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}

	var claims TokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrInvalidToken
	}

	if time.Unix(claims.Exp, 0).Before(time.Now()) {
		return nil, ErrExpiredToken
	}
	return &claims, nil
}

// FromHeader extracts the bearer token from an Authorization header.
func (t *TokenService) FromHeader(header string) (string, error) {
	if header == "" {
		return "", ErrMalformedAuth
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", ErrMalformedAuth
	}
	return parts[1], nil
}

func (t *TokenService) sign(message string) string {
	h := hmac.New(sha256.New, t.secret)
	h.Write([]byte(message))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
