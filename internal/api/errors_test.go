package api

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApiError(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := NewInternalServerError(cause)

	assert.Equal(t, "internal server error: boom", err.Error(), "expected cause in error string")
	assert.ErrorIs(t, err, cause, "expected cause to unwrap")

	bare := NewForbiddenError()
	assert.Equal(t, "forbidden", bare.Error(), "expected message alone without a cause")
	assert.NoError(t, bare.Unwrap(), "expected no wrapped error")
}

func Test_errorConstructors(t *testing.T) {
	tcases := []struct {
		err    *ApiError
		status int
	}{
		{NewBadRequestError(), http.StatusBadRequest},
		{NewNotFoundError(), http.StatusNotFound},
		{NewUnauthorizedError(), http.StatusUnauthorized},
		{NewForbiddenError(), http.StatusForbidden},
		{NewInternalServerError(nil), http.StatusInternalServerError},
	}

	for _, tc := range tcases {
		t.Run(tc.err.Message, func(t *testing.T) {
			assert.Equal(t, tc.status, tc.err.StatusCode, "expected status code")
			assert.Equal(t, lower(http.StatusText(tc.status)), tc.err.Message, "expected lowercased status text")
		})
	}
}
