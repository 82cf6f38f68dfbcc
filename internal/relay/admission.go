package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrTooManyConnections is returned when the active set is at capacity.
	ErrTooManyConnections = errors.New("too many connections")
	// ErrMissingToken is returned when token admission is on and no token was sent.
	ErrMissingToken = errors.New("missing token")
	// ErrInvalidToken is returned for tokens that fail signature or claim checks.
	ErrInvalidToken = errors.New("invalid token")
	// ErrUserMismatch is returned when the token belongs to a different user than userId.
	ErrUserMismatch = errors.New("token does not match userId")
)

// Admitter decides whether an inbound connection may join the active set.
// active is the size of the set at the time of the request.
type Admitter interface {
	Admit(r *http.Request, userID string, active int) error
}

// AdmitterFunc adapts a function to the Admitter interface.
type AdmitterFunc func(r *http.Request, userID string, active int) error

// Admit calls f.
func (f AdmitterFunc) Admit(r *http.Request, userID string, active int) error {
	return f(r, userID, active)
}

// AdmitAll admits every connection, whatever userId it claims.
var AdmitAll Admitter = AdmitterFunc(func(*http.Request, string, int) error { return nil })

// Limits caps the active set. A zero MaxConnections means unlimited.
type Limits struct {
	MaxConnections int
}

// Admit implements Admitter. The check is advisory: concurrent upgrades
// may overshoot the cap by the number of in-flight handshakes.
func (l Limits) Admit(_ *http.Request, _ string, active int) error {
	if l.MaxConnections > 0 && active >= l.MaxConnections {
		return fmt.Errorf("%w: limit is %d", ErrTooManyConnections, l.MaxConnections)
	}
	return nil
}

// Claims are the fields the surrounding application signs into its session
// tokens. Only UserID is checked by the relay.
type Claims struct {
	UserID   UserID `json:"userId"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// UserID accepts either a JSON number or a JSON string.
type UserID string

// UnmarshalJSON implements json.Unmarshaler.
func (u *UserID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*u = UserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("userId must be a string or number: %w", err)
	}
	*u = UserID(n.String())
	return nil
}

// TokenAdmitter requires a `token` query parameter holding an HS256 token
// whose userId claim equals the userId query parameter. The relay never
// issues tokens; it only verifies them.
type TokenAdmitter struct {
	Secret []byte
	Leeway time.Duration
}

// Admit implements Admitter.
func (a TokenAdmitter) Admit(r *http.Request, userID string, _ int) error {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		return ErrMissingToken
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.Leeway),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if string(claims.UserID) != userID {
		return ErrUserMismatch
	}
	return nil
}

// Chain runs admitters in order; the first rejection wins.
func Chain(admitters ...Admitter) Admitter {
	return AdmitterFunc(func(r *http.Request, userID string, active int) error {
		for _, a := range admitters {
			if a == nil {
				continue
			}
			if err := a.Admit(r, userID, active); err != nil {
				return err
			}
		}
		return nil
	})
}

// admissionStatus maps a rejection to the HTTP status sent before upgrade.
func admissionStatus(err error) int {
	if errors.Is(err, ErrTooManyConnections) {
		return http.StatusServiceUnavailable
	}
	return http.StatusUnauthorized
}
