package httputil

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/R3E-Network/orgpay/internal/errors"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// WriteJSON writes data as JSON with the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError writes err with the status matching its kind.
func WriteError(w http.ResponseWriter, err error) {
	kind := apperrors.KindOf(err)
	WriteJSON(w, StatusFor(kind), ErrorResponse{Error: err.Error(), Kind: string(kind)})
}

// StatusFor maps an error kind to an HTTP status.
func StatusFor(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindInvalidArgument, apperrors.KindInvalidCommitment:
		return http.StatusBadRequest
	case apperrors.KindInvalidState, apperrors.KindConcurrencyConflict, apperrors.KindInsufficientBalance:
		return http.StatusConflict
	case apperrors.KindTimeout:
		return http.StatusGatewayTimeout
	case apperrors.KindCollaboratorFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
