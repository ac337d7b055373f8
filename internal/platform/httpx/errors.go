package httpx

import (
	"errors"
	"net/http"

	"github.com/ledgerbridge/ledgerbridge/internal/mirror"
	"github.com/ledgerbridge/ledgerbridge/internal/qbo"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mirror.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, mirror.ErrLockHeld):
		Problem(w, http.StatusConflict, "Sync In Progress", err.Error())
	case errors.Is(err, qbo.ErrReauthorizationRequired):
		Problem(w, http.StatusBadGateway, "Reauthorization Required", err.Error())
	case errors.Is(err, qbo.ErrTimeout):
		Problem(w, http.StatusGatewayTimeout, "Upstream Timeout", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
