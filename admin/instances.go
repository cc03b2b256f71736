package admin

import (
	"net/http"

	"github.com/maxpert/gradm/instance"
	"github.com/maxpert/gradm/privileges"
	"github.com/maxpert/gradm/reconciler"
)

type checkRequest struct {
	Instance instance.Descriptor `json:"instance"`
	Account  string              `json:"account,omitempty"` // user@host, empty = session account
}

type configureRequest struct {
	Instance instance.Descriptor `json:"instance"`
	Options  reconciler.Options  `json:"options"`
}

// handleCheckInstance handles POST /admin/instances/check
func (h *AdminHandlers) handleCheckInstance(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	var account *privileges.Account
	if req.Account != "" {
		parsed, err := privileges.ParseAccount(req.Account)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		account = &parsed
	}

	report, err := h.dba.CheckInstanceConfiguration(r.Context(), h.descriptor(req.Instance), account)
	if err != nil {
		writeOperationError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"report": report,
	})
}

// handleConfigureInstance handles POST /admin/instances/configure
func (h *AdminHandlers) handleConfigureInstance(w http.ResponseWriter, r *http.Request) {
	var req configureRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	result, err := h.dba.ConfigureLocalInstance(r.Context(), h.descriptor(req.Instance), req.Options)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}
