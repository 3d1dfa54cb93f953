package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ternarybob/mercator/internal/common"
)

// validate checks request DTO tags. Shared because validator caches struct
// metadata per instance.
var validate = validator.New()

// RequireMethod checks if the request uses the required HTTP method.
// Returns true if the method matches, writes a 405 response and returns
// false otherwise.
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes the standard success envelope: {"success": true}
// merged with the given fields.
func WriteSuccess(w http.ResponseWriter, statusCode int, fields map[string]interface{}) {
	body := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	body["success"] = true
	WriteJSON(w, statusCode, body)
}

// WriteMessage writes {"success": true, "message": ...}.
func WriteMessage(w http.ResponseWriter, statusCode int, message string) {
	WriteSuccess(w, statusCode, map[string]interface{}{"message": message})
}

// WriteError writes {"success": false, "error": ...} with the given status.
func WriteError(w http.ResponseWriter, statusCode int, message string) {
	WriteJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// WriteServiceError maps a classified engine error to its HTTP status and
// writes the error envelope.
func WriteServiceError(w http.ResponseWriter, err error) {
	WriteError(w, StatusForError(err), err.Error())
}

// StatusForError returns the HTTP status for an error's classification.
// Unclassified errors are treated as internal.
func StatusForError(err error) int {
	switch common.KindOf(err) {
	case common.KindValidation:
		return http.StatusBadRequest
	case common.KindNotFound:
		return http.StatusNotFound
	case common.KindConflict:
		return http.StatusConflict
	case common.KindTransient:
		return http.StatusServiceUnavailable
	case common.KindPermanent:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// DecodeBody decodes a JSON request body into dst and checks its validate
// tags. dst must be a pointer to a struct.
func DecodeBody(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return common.ValidationError("invalid request body: %v", err)
	}
	if err := validate.Struct(dst); err != nil {
		return common.ValidationError("invalid request: %v", err)
	}
	return nil
}

// PathTail returns the path segments after prefix, with empty segments
// removed. "/instances/inst_1/start" with prefix "/instances/" yields
// ["inst_1", "start"].
func PathTail(path, prefix string) []string {
	if !strings.HasPrefix(path, prefix) {
		return nil
	}
	tail := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if tail == "" {
		return nil
	}
	return strings.Split(tail, "/")
}
