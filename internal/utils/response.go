package utils

import (
	"encoding/json"
	"errors"
	"net/http"
)

// JSONResponse writes payload as JSON with the given status.
func JSONResponse(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// MessageResponse writes {"message": msg}.
func MessageResponse(w http.ResponseWriter, status int, msg interface{}) {
	JSONResponse(w, status, map[string]interface{}{"message": msg})
}

// WriteError writes err as {"error": ...} using the status it carries.
// Uncoded errors become a bare 500 so internals are not echoed to callers.
func WriteError(w http.ResponseWriter, err error) {
	var ce *CustomError
	if !errors.As(err, &ce) {
		JSONResponse(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	JSONResponse(w, StatusCode(err), map[string]string{"error": ce.Message})
}
