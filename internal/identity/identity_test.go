package identity

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func serve(t *testing.T, req *http.Request) (userID, sessionID string, resp *http.Response) {
	t.Helper()

	h := Middleware(true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		userID = UserIDFromContext(r.Context())
		sessionID = SessionIDFromContext(r.Context())
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return userID, sessionID, w.Result()
}

func TestMiddlewareIssuesAnonymousID(t *testing.T) {
	t.Parallel()

	userID, sessionID, resp := serve(t, httptest.NewRequest(http.MethodGet, "/api/chat/ui", nil))
	if !isValidAnonID(userID) {
		t.Fatalf("expected anonymous id, got %q", userID)
	}
	if sessionID != DefaultSessionID(userID) {
		t.Fatalf("expected default session, got %q", sessionID)
	}

	var found bool
	for _, c := range resp.Cookies() {
		if c.Name == AnonCookieName && c.Value == userID {
			found = true
		}
	}
	if !found {
		t.Fatal("expected identity cookie to be set")
	}
}

func TestMiddlewareKeepsExistingIdentity(t *testing.T) {
	t.Parallel()

	existing := "anon_" + strings.Repeat("ab", 16)
	req := httptest.NewRequest(http.MethodGet, "/api/chat/ui", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: existing})
	req.Header.Set(SessionHeaderName, "chat-42")

	userID, sessionID, _ := serve(t, req)
	if userID != existing {
		t.Fatalf("expected %q, got %q", existing, userID)
	}
	if sessionID != "chat-42" {
		t.Fatalf("expected chat-42, got %q", sessionID)
	}
}

func TestSanitizeSessionID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"chat-1", "chat-1"},
		{"  chat-1  ", "chat-1"},
		{"", "default-u"},
		{"../etc/passwd", "default-u"},
		{strings.Repeat("a", 129), "default-u"},
	}
	for _, tt := range tests {
		if got := SanitizeSessionID(tt.in, "u"); got != tt.want {
			t.Errorf("SanitizeSessionID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
