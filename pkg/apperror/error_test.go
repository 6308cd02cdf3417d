package apperror

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	e := New(http.StatusNotFound, "tool_not_found", "Tool 'greet' not found")
	assert.Equal(t, "tool_not_found: Tool 'greet' not found", e.Error())

	wrapped := e.WithInternal(errors.New("db down"))
	assert.Contains(t, wrapped.Error(), "db down")
	assert.Equal(t, "db down", wrapped.Unwrap().Error())
}

func TestError_WithMessagePreservesCode(t *testing.T) {
	e := ErrValidation.WithMessage("field 'b' must be integer")
	assert.Equal(t, "validation_error", e.Code)
	assert.Equal(t, http.StatusUnprocessableEntity, e.HTTPStatus)
	assert.Equal(t, "field 'b' must be integer", e.Message)

	// the sentinel must not be mutated
	assert.Equal(t, "Arguments failed schema validation", ErrValidation.Message)
}

func TestError_WithDetails(t *testing.T) {
	e := ErrValidation.WithDetails(map[string]any{"error": "unexpected property 'extra'"})
	require.NotNil(t, e.Details)
	assert.Equal(t, "unexpected property 'extra'", e.Details["error"])
	assert.Nil(t, ErrValidation.Details)
}

func TestTaxonomyCodes(t *testing.T) {
	tests := []struct {
		err    *Error
		code   string
		status int
	}{
		{ErrToolNotFound, "tool_not_found", http.StatusNotFound},
		{ErrDuplicateTool, "duplicate_tool", http.StatusConflict},
		{ErrValidation, "validation_error", http.StatusUnprocessableEntity},
		{ErrToolTimeout, "tool_timeout", http.StatusGatewayTimeout},
		{ErrUnauthorized, "unauthorized", http.StatusUnauthorized},
		{ErrNamespaceNotFound, "namespace_not_found", http.StatusNotFound},
		{ErrNamespaceInvalid, "namespace_invalid", http.StatusBadRequest},
		{ErrPackageNotFound, "package_not_found", http.StatusNotFound},
		{ErrInstallFailed, "install_failed", http.StatusInternalServerError},
		{ErrWorkerCrashed, "worker_crashed", http.StatusBadGateway},
		{ErrWorkerTimeout, "worker_timeout", http.StatusGatewayTimeout},
		{ErrNotConnected, "not_connected", http.StatusBadGateway},
		{ErrCannotReloadExternal, "cannot_reload_external", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.status, tt.err.HTTPStatus)
		})
	}
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, "tool_timeout", CodeOf(ErrToolTimeout))
	assert.Equal(t, "internal_error", CodeOf(errors.New("plain")))
}
