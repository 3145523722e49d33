package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hivemesh/hivehub/internal/config"
)

func newTestAuth(t *testing.T) *Authenticator {
	t.Helper()
	return New(config.AuthConfig{
		Users: []config.AuthUser{
			{Username: "queen", PasswordHash: HashPassword("royal-jelly"), Role: RoleAdmin},
			{Username: "scout", PasswordHash: HashPassword("waggle"), Role: RoleViewer},
		},
		TokenTTLMin: 60,
		JWTSecret:   "test-secret",
	})
}

func TestLoginAndVerify(t *testing.T) {
	a := newTestAuth(t)

	token, err := a.Login("queen", "royal-jelly")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	claims, err := a.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "queen" || claims.Role != RoleAdmin {
		t.Errorf("claims = %+v", claims)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	a := newTestAuth(t)
	tests := []struct{ user, pass string }{
		{"queen", "wrong"},
		{"nobody", "royal-jelly"},
		{"", ""},
	}
	for _, tt := range tests {
		if _, err := a.Login(tt.user, tt.pass); err != ErrBadCredentials {
			t.Errorf("Login(%q, %q) err = %v", tt.user, tt.pass, err)
		}
	}
}

func TestLoginRequiresSecret(t *testing.T) {
	a := New(config.AuthConfig{
		Users: []config.AuthUser{{Username: "queen", PasswordHash: HashPassword("x"), Role: RoleAdmin}},
	})
	if _, err := a.Login("queen", "x"); err != ErrNoSecret {
		t.Errorf("err = %v", err)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	a := newTestAuth(t)
	token, err := a.Login("queen", "royal-jelly")
	if err != nil {
		t.Fatal(err)
	}

	a.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := a.Verify(token); err != ErrInvalidToken {
		t.Errorf("expired token err = %v", err)
	}
}

func TestTamperedTokenRejected(t *testing.T) {
	a := newTestAuth(t)
	token, err := a.Login("queen", "royal-jelly")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Verify(token + "x"); err != ErrInvalidToken {
		t.Errorf("tampered token err = %v", err)
	}
}

func TestRequireRole(t *testing.T) {
	a := newTestAuth(t)
	handler := a.RequireRole(RoleAdmin, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := FromContext(r.Context())
		if !ok || claims.Subject == "" {
			t.Error("claims missing from request context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	adminToken, _ := a.Login("queen", "royal-jelly")
	viewerToken, _ := a.Login("scout", "waggle")

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"malformed", "Token abc", http.StatusUnauthorized},
		{"garbage", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"wrong role", "Bearer " + viewerToken, http.StatusForbidden},
		{"admin", "Bearer " + adminToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/api/agents", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
