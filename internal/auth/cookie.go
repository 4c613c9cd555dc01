package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// RoleCookie carries the signed role of the logged-in browser.
const RoleCookie = "role"

var ErrInvalidCookie = errors.New("auth: invalid signed cookie")

// Signer signs cookie values so the page server can trust the role a
// browser presents.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) (*Signer, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("auth: cookie secret must be at least 16 bytes, got %d", len(secret))
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Sign creates a signed cookie value in the format "value|signature"
func (s *Signer) Sign(value string) string {
	return fmt.Sprintf("%s|%s", base64.URLEncoding.EncodeToString([]byte(value)), base64.URLEncoding.EncodeToString(s.mac(value)))
}

// Verify checks a signed value and returns the original value
func (s *Signer) Verify(signedValue string) (string, error) {
	valueBase64, signatureBase64, ok := strings.Cut(signedValue, "|")
	if !ok {
		return "", fmt.Errorf("%w: format", ErrInvalidCookie)
	}

	valueBytes, err := base64.URLEncoding.DecodeString(valueBase64)
	if err != nil {
		return "", fmt.Errorf("%w: value encoding", ErrInvalidCookie)
	}
	value := string(valueBytes)

	signature, err := base64.URLEncoding.DecodeString(signatureBase64)
	if err != nil {
		return "", fmt.Errorf("%w: signature encoding", ErrInvalidCookie)
	}

	if !hmac.Equal(signature, s.mac(value)) {
		return "", fmt.Errorf("%w: signature", ErrInvalidCookie)
	}
	return value, nil
}

func (s *Signer) mac(value string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(value))
	return mac.Sum(nil)
}

// Read returns the verified value of the named cookie.
func (s *Signer) Read(r *http.Request, name string) (string, error) {
	c, err := r.Cookie(name)
	if err != nil {
		return "", err
	}
	return s.Verify(c.Value)
}

// Set writes a signed session cookie.
func (s *Signer) Set(w http.ResponseWriter, name, value string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    s.Sign(value),
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Expire deletes the named cookies.
func Expire(w http.ResponseWriter, names ...string) {
	for _, name := range names {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			Expires:  time.Unix(0, 0),
			MaxAge:   -1,
			HttpOnly: true,
		})
	}
}
