package fault

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_MessageIncludesContext(t *testing.T) {
	err := New(CodeNotFound, "page out of range").WithFile(42).WithPage(7)
	assert.Equal(t, "NOT_FOUND: page out of range (file=42, page=7)", err.Error())

	wrapped := Wrap(CodeBackendFailure, errors.New("disk gone"), "render failed")
	assert.Equal(t, "BACKEND_FAILURE: render failed: disk gone", wrapped.Error())
}

func TestCodeOf_WrappedChain(t *testing.T) {
	base := New(CodeLocked, "file held by another process")
	err := fmt.Errorf("open document: %w", base)

	assert.Equal(t, CodeLocked, CodeOf(err))
	assert.True(t, IsLocked(err))
	assert.False(t, IsNotFound(err))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
	assert.False(t, Is(nil, CodeLocked))
}

func TestNormalize(t *testing.T) {
	assert.NoError(t, Normalize(nil, "x"))

	coded := New(CodeConflict, "no open session")
	assert.Same(t, coded, Normalize(coded, "ignored"))

	plain := errors.New("sqlite busy")
	norm := Normalize(plain, "store attribute set")
	assert.Equal(t, CodeBackendFailure, CodeOf(norm))
	assert.ErrorIs(t, norm, plain)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeNotFound, http.StatusNotFound},
		{CodeLocked, http.StatusLocked},
		{CodeConflict, http.StatusConflict},
		{CodeCapacityExceeded, http.StatusServiceUnavailable},
		{CodeUnauthorized, http.StatusUnauthorized},
		{CodeBackendFailure, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(New(tt.code, "x")))
		})
	}
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("plain")))
}

func TestSerialize(t *testing.T) {
	err := Wrap(CodeBackendFailure, errors.New("ocr missing"), "cannot verify").
		WithFile(9).
		WithDetail("stage", "commit")

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(Serialize(err)), &got))
	assert.Equal(t, "BACKEND_FAILURE", got["code"])
	assert.Equal(t, "cannot verify", got["message"])
	assert.Equal(t, float64(9), got["file_id"])
	assert.Equal(t, "ocr missing", got["cause"])
	assert.Equal(t, map[string]any{"stage": "commit"}, got["details"])

	assert.Empty(t, Serialize(nil))
	assert.Contains(t, Serialize(errors.New("boom")), `"message":"boom"`)
}
