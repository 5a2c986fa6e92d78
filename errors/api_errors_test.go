package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.pilab.hu/sessionguard/domain"
)

func TestFromDomain(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("revoke: %w", domain.ErrRecordNotFound), http.StatusNotFound, NotFound},
		{fmt.Errorf("%w: reason is required", domain.ErrInvalidArgument), http.StatusBadRequest, InvalidRequest},
		{domain.ErrStaleSession, http.StatusConflict, Conflict},
		{NewUnauthorized("missing key"), http.StatusUnauthorized, Unauthorized},
		{errors.New("connection reset"), http.StatusInternalServerError, ServerError},
	}
	for _, tt := range tests {
		status, body := FromDomain(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, body.Code, tt.err.Error())
	}

	_, body := FromDomain(errors.New("secret dsn leaked"))
	assert.NotContains(t, body.Description, "dsn")
}
