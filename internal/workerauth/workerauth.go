// Package workerauth issues and validates short-lived JWTs asserting a
// worker's identity, so that a job-queue claim (spec §4.2 "only one worker
// may hold a job in_progress at a time") cannot be stolen by a caller that
// simply names someone else's worker_id. The identity-and-JWT issuance
// service itself (spec §1 "out of scope") mints these tokens; the kernel
// only validates them at the claim boundary.
package workerauth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carries the worker identity asserted by a claim token.
type Claims struct {
	WorkerID string `json:"worker_id"`
	jwt.RegisteredClaims
}

// Issuer signs and validates worker claim tokens with a single shared
// secret (HMAC). A zero-value Issuer (empty secret) is inert: Validate
// always fails and Issue always errors, so callers that never configure a
// secret cannot accidentally skip authentication by passing a blank token.
type Issuer struct {
	secret []byte
}

// New constructs an Issuer from a shared secret. An empty secret yields an
// inert Issuer; Kernel.ClaimNextJobWithToken then skips token validation
// and passes the caller's workerID through unchecked.
func New(secret string) *Issuer {
	return &Issuer{secret: []byte(secret)}
}

// Enabled reports whether a signing secret is configured.
func (i *Issuer) Enabled() bool {
	return i != nil && len(i.secret) > 0
}

// Issue mints a token asserting workerID, valid for ttl.
func (i *Issuer) Issue(workerID string, ttl time.Duration) (string, error) {
	if !i.Enabled() {
		return "", fmt.Errorf("workerauth: no signing secret configured")
	}
	claims := Claims{
		WorkerID: workerID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Validate parses and verifies tokenString, returning the asserted
// worker_id.
func (i *Issuer) Validate(tokenString string) (string, error) {
	if !i.Enabled() {
		return "", fmt.Errorf("workerauth: no signing secret configured")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return "", err
	}
	if !token.Valid || claims.WorkerID == "" {
		return "", fmt.Errorf("workerauth: invalid claim token")
	}
	return claims.WorkerID, nil
}
