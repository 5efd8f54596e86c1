package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func newCapturingHandler(captured *http.Request) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*captured = *r
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareIssuesAnonCookieOnFirstVisit(t *testing.T) {
	var captured http.Request
	h := Middleware(true)(newCapturingHandler(&captured))

	r := httptest.NewRequest(http.MethodGet, "/chats", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected exactly one cookie set, got %d", len(cookies))
	}
	if cookies[0].Name != AnonCookieName {
		t.Errorf("expected cookie %s, got %s", AnonCookieName, cookies[0].Name)
	}
	if !isValidAnonID(cookies[0].Value) {
		t.Errorf("expected a well-formed anon id, got %q", cookies[0].Value)
	}

	userID := UserIDFromContext(captured.Context())
	if userID != cookies[0].Value {
		t.Errorf("expected request context user id to match issued cookie, got %q vs %q", userID, cookies[0].Value)
	}
}

func TestMiddlewareReusesExistingValidCookie(t *testing.T) {
	var captured http.Request
	h := Middleware(true)(newCapturingHandler(&captured))

	r := httptest.NewRequest(http.MethodGet, "/chats", nil)
	r.AddCookie(&http.Cookie{Name: AnonCookieName, Value: "anon_" + "0123456789abcdef0123456789abcdef"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	userID := UserIDFromContext(captured.Context())
	if userID != "anon_0123456789abcdef0123456789abcdef" {
		t.Errorf("expected existing cookie value reused, got %q", userID)
	}
}

func TestMiddlewareReplacesMalformedCookie(t *testing.T) {
	var captured http.Request
	h := Middleware(true)(newCapturingHandler(&captured))

	r := httptest.NewRequest(http.MethodGet, "/chats", nil)
	r.AddCookie(&http.Cookie{Name: AnonCookieName, Value: "not-a-valid-id"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	userID := UserIDFromContext(captured.Context())
	if userID == "not-a-valid-id" {
		t.Error("a malformed cookie value must not be trusted as-is")
	}
	if !isValidAnonID(userID) {
		t.Errorf("expected a freshly generated well-formed id, got %q", userID)
	}
}

func TestMiddlewareSetsSecureFlagOnlyOutsideDev(t *testing.T) {
	var captured http.Request
	h := Middleware(false)(newCapturingHandler(&captured))

	r := httptest.NewRequest(http.MethodGet, "/chats", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || !cookies[0].Secure {
		t.Error("expected Secure=true when not in dev mode")
	}
}

func TestMiddlewareDefaultsSessionIDWhenAbsent(t *testing.T) {
	var captured http.Request
	h := Middleware(true)(newCapturingHandler(&captured))

	r := httptest.NewRequest(http.MethodGet, "/chats", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if got := SessionIDFromContext(captured.Context()); got != DefaultSessionIDValue {
		t.Errorf("expected default session id, got %q", got)
	}
}

func TestMiddlewareReadsSessionIDFromHeader(t *testing.T) {
	var captured http.Request
	h := Middleware(true)(newCapturingHandler(&captured))

	r := httptest.NewRequest(http.MethodGet, "/chats", nil)
	r.Header.Set(SessionHeaderName, "tab-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if got := SessionIDFromContext(captured.Context()); got != "tab-42" {
		t.Errorf("expected tab-42, got %q", got)
	}
}

func TestMiddlewareRejectsUnsafeSessionIDFromHeader(t *testing.T) {
	var captured http.Request
	h := Middleware(true)(newCapturingHandler(&captured))

	r := httptest.NewRequest(http.MethodGet, "/chats", nil)
	r.Header.Set(SessionHeaderName, "../etc/passwd")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if got := SessionIDFromContext(captured.Context()); got != DefaultSessionIDValue {
		t.Errorf("expected fallback to default session id for an unsafe value, got %q", got)
	}
}

func TestUsernameFromContextDefaultsToEmptyString(t *testing.T) {
	if got := UsernameFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context()); got != "" {
		t.Errorf("expected empty string absent any value, got %q", got)
	}
}

func TestIPFromRequestStripsPort(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.5:54321"
	if got := IPFromRequest(r); got != "203.0.113.5" {
		t.Errorf("expected stripped host, got %q", got)
	}
}

func TestIPFromRequestFallsBackToRawValueWithoutPort(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "not-a-host-port"
	if got := IPFromRequest(r); got != "not-a-host-port" {
		t.Errorf("expected raw remote addr passthrough, got %q", got)
	}
}
