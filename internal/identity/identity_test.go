package identity

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMiddlewareIssuesAndReusesCookie(t *testing.T) {
	t.Parallel()

	var seen []string
	h := Middleware(true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = append(seen, UserIDFromContext(r.Context()))
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != CookieName {
		t.Fatalf("expected %s cookie, got %v", CookieName, cookies)
	}
	if cookies[0].Secure {
		t.Fatal("development cookie must not be Secure")
	}
	if !ValidClientID(seen[0]) {
		t.Fatalf("invalid anonymous id %q", seen[0])
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(cookies[0])
	h.ServeHTTP(httptest.NewRecorder(), r)
	if seen[1] != seen[0] {
		t.Fatalf("cookie not reused: %q != %q", seen[1], seen[0])
	}
}

func TestMiddlewareReplacesForgedCookie(t *testing.T) {
	t.Parallel()

	var got string
	h := Middleware(false)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = UserIDFromContext(r.Context())
	}))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: CookieName, Value: "../admin"})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if got == "../admin" || !ValidClientID(got) {
		t.Fatalf("user = %q, want a fresh id", got)
	}
	if c := w.Result().Cookies(); len(c) != 1 || !c[0].Secure {
		t.Fatalf("expected one Secure cookie, got %v", c)
	}
}

func TestMiddlewareAcceptsHeader(t *testing.T) {
	t.Parallel()

	id, err := NewClientID()
	if err != nil {
		t.Fatal(err)
	}
	var got string
	h := Middleware(true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = UserIDFromContext(r.Context())
	}))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(HeaderName, id)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if got != id {
		t.Fatalf("user = %q, want %q", got, id)
	}
	if len(w.Result().Cookies()) != 0 {
		t.Fatal("no cookie expected for header clients")
	}
}

func TestMiddlewareKeepsExistingUser(t *testing.T) {
	t.Parallel()

	var got string
	h := Middleware(false)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = UserIDFromContext(r.Context())
	}))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(WithUserID(r.Context(), "cli"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if got != "cli" {
		t.Fatalf("user = %q, want cli", got)
	}
	if len(w.Result().Cookies()) != 0 {
		t.Fatal("no cookie expected for an established user")
	}
}

func TestValidSessionID(t *testing.T) {
	t.Parallel()

	tests := map[string]bool{
		"":              false,
		"abc-1":         true,
		"has space":     false,
		"../../etc":     false,
		"..":            false,
		"tab:1.session": true,
	}
	for in, want := range tests {
		if got := ValidSessionID(in); got != want {
			t.Errorf("ValidSessionID(%q) = %v, want %v", in, got, want)
		}
	}
	if ValidSessionID(strings.Repeat("a", 129)) {
		t.Error("ValidSessionID accepted a 129-byte id")
	}
}
