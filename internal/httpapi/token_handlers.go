package httpapi

import (
	"errors"
	"net/http"
	"net/netip"
	"time"

	"tokend.org/internal/provision"
	"tokend.org/internal/token"
)

type provisionResponse struct {
	Token      string    `json:"token"`
	ValidUntil time.Time `json:"valid_until"`
}

func (a *API) handleProvision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.provisioner == nil {
		writeError(w, r, http.StatusServiceUnavailable, "store_error", "provisioning disabled")
		return
	}

	var req provision.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}

	ctx, cancel := a.storeContext(r.Context())
	defer cancel()

	tok, err := a.provisioner.Provision(ctx, req, clientAddr(r))
	if err != nil {
		handleTokenError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, provisionResponse{
		Token:      tok.Value,
		ValidUntil: tok.ValidUntil,
	})
}

// clientAddr resolves the caller address used for IP-restriction checks.
// An unparsable address yields the zero Addr, which never matches a
// restriction expression.
func clientAddr(r *http.Request) netip.Addr {
	addr, err := netip.ParseAddr(clientIP(r))
	if err != nil {
		return netip.Addr{}
	}
	return addr
}

func handleTokenError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, token.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, token.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, token.ErrServiceDisabled):
		writeError(w, r, http.StatusForbidden, "service_disabled", err.Error())
	case errors.Is(err, token.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, token.ErrConflict):
		writeError(w, r, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, token.ErrStore):
		writeError(w, r, http.StatusServiceUnavailable, "store_error", err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}
