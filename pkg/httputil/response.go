// Package httputil provides the JSON response and request helpers shared by
// the gateway's HTTP handlers. Error responses carry a single "detail"
// field; clients key off the status code and the detail message.
package httputil

import (
	"encoding/json"
	"net/http"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteDetail writes an error response of the form {"detail": message}.
func WriteDetail(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"detail": message})
}

// WriteUnauthorized writes a 401 with the given detail and a
// WWW-Authenticate challenge. The challenge names the required scopes when
// there are any.
func WriteUnauthorized(w http.ResponseWriter, message, challenge string) {
	w.Header().Set("WWW-Authenticate", challenge)
	WriteDetail(w, http.StatusUnauthorized, message)
}

// WriteSuccess writes a 200 with JSON data.
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteSuccessMessage writes the {"success": ..., "msg": ...} shape used by
// the revoke endpoints.
func WriteSuccessMessage(w http.ResponseWriter, success bool, msg string) error {
	return WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": success,
		"msg":     msg,
	})
}

// WriteInternalError writes a 500. The error itself is logged by the
// caller, not echoed to the client.
func WriteInternalError(w http.ResponseWriter) {
	WriteDetail(w, http.StatusInternalServerError, "Internal server error")
}
