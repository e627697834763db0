package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestCSRFMiddleware_SafeMethodIssuesCookie(t *testing.T) {
	csrf := NewCSRF(CSRFConfig{CookieSecure: true, CookieDomain: "example.com"})
	handler := csrf.Middleware()(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/api/threads", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	cookie := findCookie(w.Result(), csrfCookieName)
	if cookie == nil {
		t.Fatal("expected csrf cookie to be issued")
	}
	if len(cookie.Value) != 64 {
		t.Errorf("token length = %d, want 64", len(cookie.Value))
	}
	if cookie.HttpOnly {
		t.Error("CSRF Cookieはフロントエンドから読めるようHttpOnlyであってはならない")
	}
	if !cookie.Secure || cookie.Domain != "example.com" {
		t.Errorf("cookie = %+v, want Secure with domain", cookie)
	}
}

func TestCSRFMiddleware_SafeMethodKeepsExistingCookie(t *testing.T) {
	handler := NewCSRF(CSRFConfig{}).Middleware()(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if findCookie(w.Result(), csrfCookieName) != nil {
		t.Error("既存のCookieがある場合は再発行してはならない")
	}
}

func TestCSRFMiddleware_StateChangingRequests(t *testing.T) {
	tests := []struct {
		name       string
		cookie     string
		header     string
		wantStatus int
	}{
		{"一致するトークン", "token-1", "token-1", http.StatusOK},
		{"Cookieなし", "", "token-1", http.StatusForbidden},
		{"ヘッダーなし", "token-1", "", http.StatusForbidden},
		{"不一致", "token-1", "token-2", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewCSRF(CSRFConfig{}).Middleware()(okHandler)

			req := httptest.NewRequest(http.MethodPost, "/api/threads", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: tt.cookie})
			}
			if tt.header != "" {
				req.Header.Set(CSRFHeaderName, tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusForbidden {
				if body := decodeErrorBody(t, w); body.Code != "CSRF_INVALID" {
					t.Errorf("code = %q, want CSRF_INVALID", body.Code)
				}
			}
		})
	}
}

func TestCSRFTokenHandler(t *testing.T) {
	handler := NewCSRF(CSRFConfig{}).TokenHandler()

	t.Run("新規発行", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))

		var body map[string]string
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		cookie := findCookie(w.Result(), csrfCookieName)
		if cookie == nil || body["token"] != cookie.Value {
			t.Errorf("token = %q, cookie = %+v", body["token"], cookie)
		}
	})

	t.Run("既存のトークンを返す", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
		req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing"})
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		var body map[string]string
		json.NewDecoder(w.Body).Decode(&body)
		if body["token"] != "existing" {
			t.Errorf("token = %q, want existing", body["token"])
		}
	})
}
