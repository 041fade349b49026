package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteDetail(rec, http.StatusUnauthorized, "Invalid API key")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Invalid API key", body["detail"])
}

func TestWriteUnauthorizedChallenge(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteUnauthorized(rec, "Not enough permissions", `Bearer scope="read:status read:queue"`)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Bearer scope="read:status read:queue"`, rec.Header().Get("WWW-Authenticate"))
}

func TestWriteSuccessMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, WriteSuccessMessage(rec, true, ""))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "", body["msg"])
}
