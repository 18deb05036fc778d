package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"tgcast/internal/broadcast"
)

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Success: false, Error: msg})
}

// statusFor maps orchestrator error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch broadcast.KindOf(err) {
	case broadcast.KindValidation, broadcast.KindSource:
		return http.StatusBadRequest
	case broadcast.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage hides causes of internal failures from callers.
func publicMessage(err error) string {
	var e *broadcast.Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	switch e.Kind {
	case broadcast.KindValidation, broadcast.KindSource:
		return e.Error()
	default:
		return e.Msg
	}
}

func formatProgress(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64) + "%"
}
