package live

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// the admin bearer as far as the client can tell without the server key
type BearerClaims struct {
	Subject string
	// zero if the token has no `exp`
	ExpiresAt time.Time
}

func ParseBearerUnverified(bearer string) (*BearerClaims, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(bearer, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	bearerClaims := &BearerClaims{}
	if subject, err := claims.GetSubject(); err == nil {
		bearerClaims.Subject = subject
	}
	if expiresAt, err := claims.GetExpirationTime(); err == nil && expiresAt != nil {
		bearerClaims.ExpiresAt = expiresAt.Time
	}
	return bearerClaims, nil
}

func (self *BearerClaims) ExpiredAt(now time.Time) bool {
	return !self.ExpiresAt.IsZero() && !now.Before(self.ExpiresAt)
}

// an opaque (non-jwt) bearer is passed through and left to the server
func checkBearer(bearer string, now time.Time) error {
	if bearer == "" {
		return ErrCredentialRequired
	}
	if bearerClaims, err := ParseBearerUnverified(bearer); err == nil && bearerClaims.ExpiredAt(now) {
		return ErrCredentialExpired
	}
	return nil
}
