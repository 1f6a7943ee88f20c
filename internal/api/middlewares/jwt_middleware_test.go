package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signed(t *testing.T, method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestJWT(t *testing.T) {
	secret := []byte("test-secret")
	exp := time.Now().Add(time.Hour).Unix()

	cases := []struct {
		name       string
		header     string
		wantStatus int
		wantUser   string
	}{
		{name: "missing header", header: "", wantStatus: http.StatusUnauthorized},
		{name: "not bearer", header: "Basic abc", wantStatus: http.StatusUnauthorized},
		{name: "garbage token", header: "Bearer not.a.token", wantStatus: http.StatusUnauthorized},
		{
			name:       "wrong secret",
			header:     "Bearer " + signed(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"user_id": "u1", "exp": exp}),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "expired",
			header:     "Bearer " + signed(t, jwt.SigningMethodHS256, secret, jwt.MapClaims{"user_id": "u1", "exp": time.Now().Add(-time.Hour).Unix()}),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "no subject",
			header:     "Bearer " + signed(t, jwt.SigningMethodHS256, secret, jwt.MapClaims{"exp": exp}),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "user_id claim",
			header:     "Bearer " + signed(t, jwt.SigningMethodHS256, secret, jwt.MapClaims{"user_id": "u1", "exp": exp}),
			wantStatus: http.StatusOK,
			wantUser:   "u1",
		},
		{
			name:       "sub claim",
			header:     "Bearer " + signed(t, jwt.SigningMethodHS256, secret, jwt.MapClaims{"sub": "child-7", "exp": exp}),
			wantStatus: http.StatusOK,
			wantUser:   "child-7",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var gotUser string
			h := JWT(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotUser, _ = UserID(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("status=%d, want %d", rec.Code, tc.wantStatus)
			}
			if gotUser != tc.wantUser {
				t.Fatalf("user=%q, want %q", gotUser, tc.wantUser)
			}
		})
	}
}
