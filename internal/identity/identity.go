// Package identity assigns anonymous client identities. Requests carry no
// credentials; a random id kept in a cookie scopes sessions to one client.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"time"
)

const (
	// CookieName holds the browser client id.
	CookieName = "pte_anon_id"
	// HeaderName lets non-browser clients present their id without cookies.
	HeaderName = "X-PTE-Client-ID"

	cookieMaxAge = 30 * 24 * time.Hour
)

var (
	clientIDPattern  = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

type userIDKey struct{}

// UserIDFromContext returns the client id set by Middleware, or "".
func UserIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey{}).(string)
	return v
}

// WithUserID returns a context carrying userID, for callers outside HTTP.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// NewClientID returns a fresh anonymous id.
func NewClientID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate client id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

// ValidClientID reports whether id has the anonymous id format.
func ValidClientID(id string) bool {
	return clientIDPattern.MatchString(id)
}

// ValidSessionID reports whether id is usable as a session key and file name component.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id) && id != "." && id != ".."
}

// Middleware resolves the client id of each request. An id already in the
// context wins, then a valid header, then a valid cookie; otherwise a new id
// is issued as a cookie. Cookies are Secure outside development.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if UserIDFromContext(r.Context()) != "" {
				next.ServeHTTP(w, r)
				return
			}

			id := r.Header.Get(HeaderName)
			if !ValidClientID(id) {
				var err error
				id, err = cookieClientID(r)
				if err != nil {
					http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
					return
				}
				// Refreshing the cookie keeps active clients from expiring.
				setCookie(w, id, !isDev)
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), id)))
		})
	}
}

func cookieClientID(r *http.Request) (string, error) {
	if c, err := r.Cookie(CookieName); err == nil && ValidClientID(c.Value) {
		return c.Value, nil
	}
	return NewClientID()
}

func setCookie(w http.ResponseWriter, id string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(cookieMaxAge.Seconds()),
		Expires:  time.Now().Add(cookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
}
