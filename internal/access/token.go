package access

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/roach88/predcache/internal/ir"
)

// TokenIssuer is the issuer claim on every predcache credential token.
const TokenIssuer = "predcache"

var errEmptySecret = errors.New("access: token secret must not be empty")

// Issuer signs HS256 credential tokens whose subject is the principal.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an Issuer. A zero ttl issues tokens without expiry.
func NewIssuer(secret []byte, ttl time.Duration) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, errEmptySecret
	}
	return &Issuer{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Sign returns a bearer token for principal.
func (i *Issuer) Sign(principal string) (string, error) {
	now := i.now()
	claims := jwt.RegisteredClaims{
		Issuer:   TokenIssuer,
		Subject:  principal,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if i.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(i.ttl))
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// Verifier turns bearer tokens back into Credentials.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier sharing the issuer's secret.
func NewVerifier(secret []byte) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errEmptySecret
	}
	return &Verifier{secret: secret}, nil
}

// Credential validates a token (with or without a "Bearer " prefix) and
// returns the credential it carries. Any failure is Unauthorized.
func (v *Verifier) Credential(token string) (Credential, error) {
	raw := strings.TrimSpace(token)
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		raw = strings.TrimSpace(raw[7:])
	}
	if raw == "" {
		return Credential{}, &ir.Error{Code: ir.CodeUnauthorized, Message: "missing credential"}
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(TokenIssuer),
	)
	if err != nil {
		return Credential{}, &ir.Error{Code: ir.CodeUnauthorized, Message: "invalid credential", Err: err}
	}
	if claims.Subject == "" {
		return Credential{}, &ir.Error{Code: ir.CodeUnauthorized, Message: "credential has no subject"}
	}
	return Credential{Principal: claims.Subject}, nil
}
