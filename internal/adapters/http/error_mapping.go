package httpadapter

import (
	"net/http"

	"github.com/kamkaz1/mini-rag-reranker/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrIndexUnavailable),
		domain.IsKind(err, domain.ErrSnapshotNotFound),
		domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicErrorMessage hides internal details of 5xx faults.
func publicErrorMessage(status int, err error) string {
	switch status {
	case http.StatusBadRequest:
		return err.Error()
	case http.StatusServiceUnavailable:
		return "index temporarily unavailable"
	default:
		return "internal server error"
	}
}
