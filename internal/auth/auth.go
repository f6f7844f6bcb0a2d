// Package auth issues and verifies the HS256 credentials used between the
// central authority, the file-storage service and the nodes.
//
// Three kinds of token share one claim set:
//
//   - session tokens identify a consortium member (sub = user id)
//   - the central token asserts the central-launcher role (central = true)
//   - download tokens are short lived, bound to one user, run and consortium
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token purposes.
const (
	PurposeSession  = "session"
	PurposeDownload = "download"
)

// CentralUserID is the subject carried by central credentials.
const CentralUserID = "central"

var (
	// ErrMissingToken is returned when no credential was presented.
	ErrMissingToken = errors.New("auth: missing token")
	// ErrInvalidToken is returned for malformed, expired or badly signed tokens.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Identity is the caller identity derived from a verified credential.
type Identity struct {
	UserID  string
	Roles   []string
	Central bool
}

// HasRole reports whether the identity carries role.
func (i Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Claims is the fedrun claim set.
type Claims struct {
	Roles        []string `json:"roles,omitempty"`
	Central      bool     `json:"central,omitempty"`
	RunID        string   `json:"run_id,omitempty"`
	ConsortiumID string   `json:"consortium_id,omitempty"`
	Purpose      string   `json:"purpose,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the subject.
func (c *Claims) UserID() string { return c.Subject }

// Identity converts the claims into a caller identity.
func (c *Claims) Identity() Identity {
	return Identity{UserID: c.Subject, Roles: c.Roles, Central: c.Central}
}

// AllowsRun reports whether the credential may act on the given run.
// Central credentials act on behalf of any run; run-scoped credentials must
// match both ids; unscoped session credentials are rejected.
func (c *Claims) AllowsRun(consortiumID, runID string) bool {
	if c.Central {
		return true
	}
	if c.RunID == "" || c.ConsortiumID == "" {
		return false
	}
	return c.RunID == runID && c.ConsortiumID == consortiumID
}

// AllowsUser reports whether the credential may fetch artifacts of userID.
func (c *Claims) AllowsUser(userID string) bool {
	return c.Central || c.Subject == userID
}

// =============================================================================
// Issuer
// =============================================================================

// Issuer signs fedrun credentials.
type Issuer struct {
	secret     []byte
	issuer     string
	sessionTTL time.Duration
	now        func() time.Time
}

// NewIssuer creates an issuer. issuer becomes the iss claim.
func NewIssuer(secret, issuer string, sessionTTL time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), issuer: issuer, sessionTTL: sessionTTL, now: time.Now}
}

// IssueSession signs a member credential.
func (i *Issuer) IssueSession(userID string, roles []string) (string, error) {
	return i.sign(Claims{Roles: roles, Purpose: PurposeSession}, userID, i.sessionTTL)
}

// IssueCentral signs the central-launcher credential.
func (i *Issuer) IssueCentral() (string, error) {
	return i.sign(Claims{Central: true, Purpose: PurposeSession}, CentralUserID, i.sessionTTL)
}

// IssueDownload signs a short-lived credential bound to one user's kit.
func (i *Issuer) IssueDownload(userID, consortiumID, runID string, ttl time.Duration) (string, error) {
	return i.sign(Claims{
		RunID:        runID,
		ConsortiumID: consortiumID,
		Purpose:      PurposeDownload,
	}, userID, ttl)
}

func (i *Issuer) sign(c Claims, subject string, ttl time.Duration) (string, error) {
	if len(i.secret) == 0 {
		return "", fmt.Errorf("auth: signing secret not configured")
	}
	now := i.now()
	c.RegisteredClaims = jwt.RegisteredClaims{
		ID:       uuid.NewString(),
		Subject:  subject,
		Issuer:   i.issuer,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &c)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// =============================================================================
// Verifier
// =============================================================================

// Verifier validates fedrun credentials.
type Verifier struct {
	secret []byte
	opts   []jwt.ParserOption
}

// NewVerifier creates a verifier. An empty issuer skips the iss check.
func NewVerifier(secret, issuer string) *Verifier {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &Verifier{secret: []byte(secret), opts: opts}
}

// Verify parses and validates a token.
func (v *Verifier) Verify(tokenStr string) (*Claims, error) {
	if tokenStr == "" {
		return nil, ErrMissingToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if len(v.secret) == 0 {
			return nil, fmt.Errorf("HMAC secret not configured")
		}
		return v.secret, nil
	}, v.opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// BearerToken extracts a credential from the x-access-token header or an
// Authorization: Bearer header, in that order.
func BearerToken(accessToken, authorization string) string {
	if accessToken != "" {
		return strings.TrimSpace(accessToken)
	}
	if strings.HasPrefix(authorization, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authorization, "Bearer "))
	}
	return ""
}
