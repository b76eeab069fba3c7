package fly402

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

var protocolVersion = strconv.Itoa(ProtocolVersion)

func writeChallenge(w http.ResponseWriter, challenge Challenge) {
	challenge.Version = ProtocolVersion
	if challenge.Error == "" {
		challenge.Error = PaymentRequired
	}
	writeJSON(w, http.StatusPaymentRequired, challenge)
}

func writeServiceError(w http.ResponseWriter, err error) {
	var payErr *Error
	if errors.As(err, &payErr) {
		writeJSON(w, payErr.httpStatus(), payErr)
		return
	}
	writeServerError(w, http.StatusInternalServerError, "internal server error")
}

func writeServerError(w http.ResponseWriter, status int, message string) {
	kind := "internal_error"
	if status == http.StatusServiceUnavailable {
		kind = "service_unavailable"
	}
	writeJSON(w, status, map[string]string{
		"error":   kind,
		"message": message,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderVersion, protocolVersion)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
