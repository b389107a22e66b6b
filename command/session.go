package command

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// sessionClaims binds a session token to the certificate subject it was
// issued for, so a token lifted from one client cannot authorize a
// critical command presented alongside a different client certificate.
type sessionClaims struct {
	jwt.RegisteredClaims
	SubjectCN string `json:"subject_cn"`
}

// SessionIssuer mints and verifies short-lived MFA session tokens.
type SessionIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewSessionIssuer builds an issuer signing with HMAC-SHA256 over secret,
// issuing tokens valid for ttl.
func NewSessionIssuer(secret []byte, ttl time.Duration) *SessionIssuer {
	return &SessionIssuer{secret: secret, ttl: ttl}
}

// Issue mints a session token bound to subjectCN, valid from now for the
// issuer's configured TTL.
func (s *SessionIssuer) Issue(subjectCN string, now time.Time) (string, error) {
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		SubjectCN: subjectCN,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign session token")
	}
	return signed, nil
}

// Verify checks tokenString's signature, expiry, and that it was issued
// for subjectCN — the certificate CN bound to the connection presenting
// it. A token valid for a different subject is rejected even if its
// signature and expiry are otherwise fine.
func (s *SessionIssuer) Verify(tokenString, subjectCN string, now time.Time) error {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil {
		return errors.Wrap(err, "parse session token")
	}
	if !token.Valid {
		return errors.New("session token invalid")
	}
	if claims.SubjectCN != subjectCN {
		return errors.Errorf("session token bound to %q, connection presented %q", claims.SubjectCN, subjectCN)
	}
	return nil
}
