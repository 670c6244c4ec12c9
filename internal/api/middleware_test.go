package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kintree/kintree/internal/database"
	"github.com/stretchr/testify/assert"
)

func Test_authMiddleware(t *testing.T) {
	t.Run("valid token passes user id through", func(t *testing.T) {
		app := newTestApp(t, &database.MockKintreeRepository{})

		token, err := app.tokens.CreateToken(7, defaultJwtExpiration)
		assert.NoError(t, err)

		var gotUserId int
		handler := app.authMiddleware(func(w http.ResponseWriter, r *http.Request) {
			gotUserId, _ = UserId(r.Context())
			w.WriteHeader(http.StatusOK)
		})

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		handler(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code, "expected handler reached")
		assert.Equal(t, 7, gotUserId, "expected user id from token")
		assert.NotEmpty(t, rr.Header().Get("Cache-Control"), "expected cache headers on authed responses")
	})

	t.Run("missing credential", func(t *testing.T) {
		app := newTestApp(t, &database.MockKintreeRepository{})

		called := false
		handler := app.authMiddleware(func(w http.ResponseWriter, r *http.Request) { called = true })

		rr := httptest.NewRecorder()
		handler(rr, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusUnauthorized, rr.Code, "expected 401")
		assert.False(t, called, "expected handler not reached")
	})

	t.Run("invalid token", func(t *testing.T) {
		app := newTestApp(t, &database.MockKintreeRepository{})

		handler := app.authMiddleware(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler should not be reached")
		})

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer garbage")
		rr := httptest.NewRecorder()
		handler(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code, "expected 401")
	})
}

func Test_errorHandler(t *testing.T) {
	app := newTestApp(t, &database.MockKintreeRepository{})

	panicking := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	rr := httptest.NewRecorder()
	app.errorHandler(panicking).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code, "expected 500 on panic")
	assert.Equal(t, "close", rr.Header().Get("Connection"), "expected connection close header")
}
