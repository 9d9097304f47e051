// Package consenttoken signs and verifies consent tokens: self-describing
// bearer credentials that reference a consent grant and carry denormalized
// copies of its subject, grantee, purpose, resource types and expiry.
//
// Tokens are compact JWS strings (HS256). Verification checks the signature
// under the keyring and the expiry under the codec clock; callers never
// receive claims from a token that failed either check.
package consenttoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultIssuer is used when Config.Issuer is empty.
const DefaultIssuer = "consent-gateway"

// Payload is the set of claims embedded in a consent token.
type Payload struct {
	TokenID       string    `json:"token_id"`
	GrantID       string    `json:"grant_id"`
	SubjectID     string    `json:"subject_id"`
	GranteeID     string    `json:"grantee_id"`
	Purpose       string    `json:"purpose"`
	ResourceTypes []string  `json:"resource_types"`
	ExpiresAt     time.Time `json:"expires_at"`
	IssuedAt      time.Time `json:"issued_at"`
}

// tokenClaims is the JWT claim set. Registered claims carry jti, sub, iss,
// iat and exp; the private claims carry the grant binding.
type tokenClaims struct {
	jwt.RegisteredClaims
	GrantID       string   `json:"gid"`
	Organization  string   `json:"org"`
	Purpose       string   `json:"pur"`
	ResourceTypes []string `json:"rts,omitempty"`
}

// Config configures a Codec.
type Config struct {
	Issuer string
	// Now is the clock used for issuance and expiry checks. Defaults to time.Now.
	Now func() time.Time
}

// Codec issues and verifies consent tokens. It performs no I/O.
type Codec struct {
	keys   *Keyring
	issuer string
	now    func() time.Time
}

// NewCodec returns a Codec signing with the keyring's active key.
func NewCodec(keys *Keyring, cfg Config) *Codec {
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Codec{keys: keys, issuer: cfg.Issuer, now: cfg.Now}
}

// Issue signs the payload. TokenID, GrantID, SubjectID, GranteeID, Purpose
// and ExpiresAt are required; IssuedAt defaults to the codec clock.
func (c *Codec) Issue(p Payload) (string, error) {
	if p.TokenID == "" || p.GrantID == "" || p.SubjectID == "" || p.GranteeID == "" || p.Purpose == "" {
		return "", fmt.Errorf("consent token issue: token, grant, subject, grantee and purpose are required")
	}
	if p.ExpiresAt.IsZero() {
		return "", fmt.Errorf("consent token issue: expiry is required")
	}
	issuedAt := p.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = c.now()
	}

	kid, key, err := c.keys.signingKey()
	if err != nil {
		return "", fmt.Errorf("consent token issue: %w", err)
	}

	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        p.TokenID,
			Subject:   p.SubjectID,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(p.ExpiresAt),
		},
		GrantID:       p.GrantID,
		Organization:  p.GranteeID,
		Purpose:       p.Purpose,
		ResourceTypes: p.ResourceTypes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = kid

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("consent token issue: sign: %w", err)
	}
	return signed, nil
}

// Verify checks the token signature and expiry and returns its payload.
// Every failure is a *VerificationError.
func (c *Codec) Verify(signed string) (*Payload, error) {
	if signed == "" {
		return nil, &VerificationError{Kind: KindMalformed}
	}

	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(signed, claims, c.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(c.issuer),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return nil, classify(err)
	}

	if claims.ID == "" || claims.GrantID == "" || claims.Subject == "" || claims.Organization == "" || claims.Purpose == "" {
		return nil, &VerificationError{Kind: KindMalformed}
	}

	p := &Payload{
		TokenID:       claims.ID,
		GrantID:       claims.GrantID,
		SubjectID:     claims.Subject,
		GranteeID:     claims.Organization,
		Purpose:       claims.Purpose,
		ResourceTypes: claims.ResourceTypes,
		ExpiresAt:     claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		p.IssuedAt = claims.IssuedAt.Time
	}
	return p, nil
}

func (c *Codec) keyFunc(t *jwt.Token) (interface{}, error) {
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, ErrUnknownKey
	}
	return c.keys.verificationKey(kid)
}

// classify maps jwt parser errors onto verification kinds. A token whose
// key cannot be resolved is reported as a signature failure.
func classify(err error) *VerificationError {
	switch {
	case errors.Is(err, ErrKeyringClosed):
		return &VerificationError{Kind: KindUnavailable, Err: err}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, ErrUnknownKey):
		return &VerificationError{Kind: KindInvalidSignature, Err: err}
	case errors.Is(err, jwt.ErrTokenExpired):
		return &VerificationError{Kind: KindExpired, Err: err}
	default:
		return &VerificationError{Kind: KindMalformed, Err: err}
	}
}
