package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_userIdContext(t *testing.T) {
	ctx := WithUserId(context.Background(), 7)

	userId, ok := UserId(ctx)
	assert.True(t, ok, "expected user id present")
	assert.Equal(t, 7, userId, "expected stored user id")

	_, ok = UserId(context.Background())
	assert.False(t, ok, "expected no user id on empty context")
}

func Test_bearerToken(t *testing.T) {
	t.Run("authorization header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer abc123")

		token, ok := bearerToken(req)
		assert.True(t, ok, "expected token found")
		assert.Equal(t, "abc123", token, "expected token extracted")
	})

	t.Run("malformed header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Basic abc123")

		_, ok := bearerToken(req)
		assert.False(t, ok, "expected non-bearer header rejected")
	})

	t.Run("cookie fallback", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: tokenCookieKey, Value: "cookietoken"})

		token, ok := bearerToken(req)
		assert.True(t, ok, "expected cookie token found")
		assert.Equal(t, "cookietoken", token, "expected cookie value")
	})

	t.Run("no credential", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)

		_, ok := bearerToken(req)
		assert.False(t, ok, "expected no token")
	})
}

func Test_createJwtCookie(t *testing.T) {
	cookie := createJwtCookie("tok", time.Hour)
	assert.Equal(t, tokenCookieKey, cookie.Name, "expected cookie name")
	assert.Equal(t, "tok", cookie.Value, "expected token value")
	assert.True(t, cookie.HttpOnly, "expected http-only cookie")
	assert.True(t, cookie.Expires.After(time.Now()), "expected future expiry")
}

func Test_passwordHashing(t *testing.T) {
	hash, err := hashPassword("s3cret")
	assert.NoError(t, err, "expected hashing to succeed")
	assert.NotEqual(t, "s3cret", hash, "expected hash to differ from plaintext")

	assert.True(t, verifyPassword(hash, "s3cret"), "expected correct password to verify")
	assert.False(t, verifyPassword(hash, "wrong"), "expected wrong password to fail")
}
