package mocktokenserver

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultIssuerKey signs certificates and assertions accepted by a Server
// created without WithIssuerKey.
var DefaultIssuerKey = []byte("mocktokenserver-issuer-key")

const certificateIssuer = "api.accounts.example.com"

// certificateClaims is the identity certificate half of a BrowserID bundle.
type certificateClaims struct {
	Principal struct {
		Email string `json:"email"`
	} `json:"principal"`
	jwt.RegisteredClaims
}

// SignAssertion builds a BrowserID bundle "<certificate>~<assertion>" for
// email, scoped to audience and valid until expiry. Both parts are HS256
// JWTs signed with key.
func SignAssertion(key []byte, email, audience string, expiry time.Time) (string, error) {
	now := time.Now()

	cert := certificateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    certificateIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}
	cert.Principal.Email = email
	signedCert, err := jwt.NewWithClaims(jwt.SigningMethodHS256, cert).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign certificate: %w", err)
	}

	assertion := jwt.RegisteredClaims{
		Audience:  jwt.ClaimStrings{audience},
		ExpiresAt: jwt.NewNumericDate(expiry),
	}
	signedAssertion, err := jwt.NewWithClaims(jwt.SigningMethodHS256, assertion).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign assertion: %w", err)
	}

	return signedCert + "~" + signedAssertion, nil
}

// verifyAssertion checks the bundle signatures, expiry and audience, and
// returns the certified email.
func verifyAssertion(bundle string, key []byte, audience string, now time.Time) (string, error) {
	parts := strings.Split(bundle, "~")
	if len(parts) < 2 {
		return "", errors.New("malformed assertion bundle")
	}
	keyFunc := func(*jwt.Token) (interface{}, error) { return key, nil }
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	}

	var cert certificateClaims
	if _, err := jwt.ParseWithClaims(parts[0], &cert, keyFunc,
		append(parserOpts, jwt.WithIssuer(certificateIssuer))...); err != nil {
		return "", fmt.Errorf("invalid certificate: %w", err)
	}
	if cert.Principal.Email == "" {
		return "", errors.New("certificate has no principal")
	}

	var claims jwt.RegisteredClaims
	if _, err := jwt.ParseWithClaims(parts[len(parts)-1], &claims, keyFunc,
		append(parserOpts, jwt.WithAudience(audience))...); err != nil {
		return "", fmt.Errorf("invalid assertion: %w", err)
	}

	return cert.Principal.Email, nil
}
