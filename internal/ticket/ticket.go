// Package ticket issues and verifies the short-lived tokens that let an
// authenticated session open connections to the transfer service without a
// second credential exchange.
package ticket

import (
	"errors"
	"net"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/nexusbb/nexusd/internal/errs"
)

// TTL bounds ticket validity. Transfer connections present the ticket once,
// at connect time; long transfers are unaffected by expiry.
const TTL = 5 * time.Minute

// Claims bind a ticket to the issuing session and its source IP so a
// captured ticket is useless from another address.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	Username  string `json:"usr"`
	Nickname  string `json:"nick"`
	Admin     bool   `json:"adm,omitempty"`
	IP        string `json:"ip"`
}

// Issuer signs and verifies tickets with a shared HS256 key.
type Issuer struct {
	key []byte
}

// NewIssuer constructs an issuer from the configured signing key.
func NewIssuer(key []byte) *Issuer { return &Issuer{key: key} }

// Issue signs a ticket for the session.
func (i *Issuer) Issue(sessionID uuid.UUID, username, nickname string, admin bool, ip net.IP) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TTL)),
		},
		SessionID: sessionID.String(),
		Username:  username,
		Nickname:  nickname,
		Admin:     admin,
		IP:        ip.String(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(i.key)
}

// Verify parses a ticket and checks signature, expiry, and the source IP it
// was bound to. Failures map to ErrUnauthorized.
func (i *Issuer) Verify(token string, from net.IP) (*Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return i.key, nil
	})
	if err != nil || !parsed.Valid {
		return nil, errs.ErrUnauthorized
	}
	v := jwt.NewValidator(jwt.WithLeeway(30 * time.Second))
	if err := v.Validate(&claims); err != nil {
		return nil, errs.ErrUnauthorized
	}
	bound := net.ParseIP(claims.IP)
	if bound == nil || !bound.Equal(from) {
		return nil, errs.ErrUnauthorized
	}
	if _, err := uuid.FromString(claims.SessionID); err != nil {
		return nil, errs.ErrUnauthorized
	}
	return &claims, nil
}
