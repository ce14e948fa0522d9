package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newAuth() *service.AuthService {
	return service.NewAuthService(&config.Config{JWTSecret: "test-secret"})
}

func protectedRouter(auth *service.AuthService) *gin.Engine {
	r := gin.New()
	r.GET("/student", RequireStudentJWT(auth), func(c *gin.Context) {
		c.String(http.StatusOK, GetClaims(c).StudentID())
	})
	r.GET("/proctor", RequireProctorJWT(auth), func(c *gin.Context) {
		c.String(http.StatusOK, GetClaims(c).Role)
	})
	return r
}

func TestRequireStudentJWT(t *testing.T) {
	auth := newAuth()
	r := protectedRouter(auth)

	token, err := auth.IssueToken("65f0aa", service.RoleStudent, "Ana", "ana@example.com", time.Hour)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/student", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ana@example.com", w.Body.String())

	// Query parameter fallback for WebSocket upgrades.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/student?token="+token, nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireStudentJWT_Rejections(t *testing.T) {
	auth := newAuth()
	r := protectedRouter(auth)

	cases := []struct {
		name   string
		token  func() string
		status int
		code   string
	}{
		{"missing", func() string { return "" }, http.StatusUnauthorized, "TOKEN_REQUIRED"},
		{"garbage", func() string { return "not.a.jwt" }, http.StatusUnauthorized, "TOKEN_INVALID"},
		{"expired", func() string {
			tok, _ := auth.IssueToken("s1", service.RoleStudent, "", "", -time.Minute)
			return tok
		}, http.StatusUnauthorized, "TOKEN_EXPIRED"},
		{"wrong secret", func() string {
			other := service.NewAuthService(&config.Config{JWTSecret: "other"})
			tok, _ := other.IssueToken("s1", service.RoleStudent, "", "", time.Hour)
			return tok
		}, http.StatusUnauthorized, "TOKEN_INVALID"},
		{"professor", func() string {
			tok, _ := auth.IssueToken("p1", service.RoleProfessor, "", "", time.Hour)
			return tok
		}, http.StatusForbidden, "STUDENT_ACCESS_ONLY"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/student", nil)
			if tok := tc.token(); tok != "" {
				req.Header.Set("Authorization", "Bearer "+tok)
			}
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
			assert.Contains(t, w.Body.String(), tc.code)
		})
	}
}

func TestRequireProctorJWT(t *testing.T) {
	auth := newAuth()
	r := protectedRouter(auth)

	for role, want := range map[string]int{
		service.RoleProfessor: http.StatusOK,
		service.RoleAdmin:     http.StatusOK,
		service.RoleStudent:   http.StatusForbidden,
	} {
		tok, err := auth.IssueToken("u1", role, "", "", time.Hour)
		require.NoError(t, err)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/proctor", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		r.ServeHTTP(w, req)
		assert.Equal(t, want, w.Code, role)
	}
}

func TestBrotli_CompressesLargeJSON(t *testing.T) {
	body := strings.Repeat(`{"phase":"active"},`, 200)
	r := gin.New()
	r.Use(Brotli())
	r.GET("/big", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/json", []byte(body))
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/big", nil)
	req.Header.Set("Accept-Encoding", "gzip, br;q=1.0")
	r.ServeHTTP(w, req)

	assert.Equal(t, "br", w.Header().Get("Content-Encoding"))
	plain, err := io.ReadAll(brotli.NewReader(w.Body))
	require.NoError(t, err)
	assert.Equal(t, body, string(plain))
}

func TestBrotli_SkipsSmallAndUnsupported(t *testing.T) {
	r := gin.New()
	r.Use(Brotli())
	r.GET("/small", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/small", nil)
	req.Header.Set("Accept-Encoding", "br")
	r.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Content-Encoding"))
	assert.Equal(t, "ok", w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/small", nil))
	assert.Empty(t, w.Header().Get("Vary"))
}

func TestRateLimiter_PerCaller(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Stop()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	r := gin.New()
	r.POST("/open", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusCreated) })

	hit := func(ip string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/open", nil)
		req.RemoteAddr = ip + ":5555"
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusCreated, hit("10.0.0.1"))
	assert.Equal(t, http.StatusCreated, hit("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, hit("10.0.0.1"))
	assert.Equal(t, http.StatusCreated, hit("10.0.0.2"), "other callers keep their budget")

	now = now.Add(time.Minute)
	assert.Equal(t, http.StatusCreated, hit("10.0.0.1"), "bucket refills after the interval")
}
