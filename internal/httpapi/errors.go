package httpapi

import (
	"net/http"

	"github.com/anfivewer/an5wer-sub001/internal/storeerr"
)

// statusFor maps a store failure to an HTTP status and error type.
func statusFor(err error) (int, string) {
	kind, ok := storeerr.KindOf(err)
	if !ok {
		return http.StatusInternalServerError, "InternalError"
	}
	switch kind.Class() {
	case storeerr.ClassNotFound:
		return http.StatusNotFound, kind.String()
	case storeerr.ClassConflict:
		return http.StatusConflict, kind.String()
	case storeerr.ClassTransient:
		return http.StatusGone, kind.String()
	case storeerr.ClassInvalid:
		return http.StatusBadRequest, kind.String()
	default:
		return http.StatusInternalServerError, "InternalError"
	}
}

func errorBody(err error) errorResponse {
	_, typ := statusFor(err)
	return errorResponse{Error: err.Error(), Type: typ}
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, typ := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op+" failed", "path", r.URL.Path, "error", err)
		writeJSON(w, status, errorResponse{Error: "internal error", Type: typ})
		return
	}
	s.logger.Debug(op+" rejected", "path", r.URL.Path, "type", typ, "error", err)
	writeJSON(w, status, errorResponse{Error: err.Error(), Type: typ})
}
