package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func corsServer(cfg CORSConfig) *echo.Echo {
	e := echo.New()
	e.Use(CORS(cfg))
	e.GET("/x", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.OPTIONS("/x", func(c echo.Context) error { return c.String(http.StatusOK, "handler") })
	return e
}

func TestCORSAllowedOrigin(t *testing.T) {
	e := corsServer(CORSConfig{
		AllowOrigins: []string{"https://dash.local"},
		AllowMethods: []string{http.MethodGet},
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(echo.HeaderOrigin, "https://dash.local")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://dash.local", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
	assert.Equal(t, echo.HeaderOrigin, rec.Header().Get(echo.HeaderVary))
	assert.Equal(t, http.MethodGet, rec.Header().Get(echo.HeaderAccessControlAllowMethods))
}

func TestCORSRejectedOriginPassesThrough(t *testing.T) {
	e := corsServer(CORSConfig{AllowOrigins: []string{"https://dash.local"}})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(echo.HeaderOrigin, "https://evil.local")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
}

func TestCORSPreflight(t *testing.T) {
	e := corsServer(CORSConfig{MaxAge: 600})

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set(echo.HeaderOrigin, "https://any.local")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "600", rec.Header().Get(echo.HeaderAccessControlMaxAge))
	assert.Equal(t, "https://any.local", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
}
