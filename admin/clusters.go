package admin

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/gradm/cluster"
	"github.com/maxpert/gradm/instance"
)

type createRequest struct {
	Name     string                `json:"name"`
	Instance instance.Descriptor   `json:"instance"`
	Options  cluster.CreateOptions `json:"options"`
}

type addRequest struct {
	Instance instance.Descriptor `json:"instance"`
	Options  cluster.AddOptions  `json:"options"`
}

type instanceRequest struct {
	Instance instance.Descriptor `json:"instance"`
}

type removeRequest struct {
	Instance instance.Descriptor  `json:"instance"`
	Options  cluster.RemoveOptions `json:"options"`
}

type waitRequest struct {
	Address   string `json:"address"`
	State     string `json:"state"`
	TimeoutMS int    `json:"timeout_ms"`
}

// handleListClusters handles GET /admin/clusters
func (h *AdminHandlers) handleListClusters(w http.ResponseWriter, r *http.Request) {
	records, err := h.dba.Controller().Records()
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, records)
}

// handleCreateCluster handles POST /admin/clusters
func (h *AdminHandlers) handleCreateCluster(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	cl, err := h.dba.CreateCluster(r.Context(), h.descriptor(req.Instance), req.Name, req.Options)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, cl.Snapshot())
}

// handleGetCluster handles GET /admin/clusters/{name}
func (h *AdminHandlers) handleGetCluster(w http.ResponseWriter, r *http.Request) {
	cl, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, cl.Snapshot())
}

// handleFetchCluster handles POST /admin/clusters/{name}/fetch
func (h *AdminHandlers) handleFetchCluster(w http.ResponseWriter, r *http.Request) {
	var req instanceRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.Instance.Host == "" {
		writeErrorResponse(w, http.StatusBadRequest, "bad_request", "instance is required")
		return
	}

	cl, err := h.dba.GetCluster(r.Context(), chi.URLParam(r, "name"), h.descriptor(req.Instance))
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cl.Snapshot())
}

// handleAddInstance handles POST /admin/clusters/{name}/instances
func (h *AdminHandlers) handleAddInstance(w http.ResponseWriter, r *http.Request) {
	cl, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req addRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if err := h.dba.Controller().AddInstance(r.Context(), cl, h.descriptor(req.Instance), req.Options); err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusAccepted, cl.Snapshot())
}

// handleRejoinInstance handles POST /admin/clusters/{name}/rejoin
func (h *AdminHandlers) handleRejoinInstance(w http.ResponseWriter, r *http.Request) {
	cl, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req instanceRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if err := h.dba.Controller().RejoinInstance(r.Context(), cl, h.descriptor(req.Instance)); err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusAccepted, cl.Snapshot())
}

// handleRemoveInstance handles POST /admin/clusters/{name}/remove
func (h *AdminHandlers) handleRemoveInstance(w http.ResponseWriter, r *http.Request) {
	cl, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req removeRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if err := h.dba.Controller().RemoveInstance(r.Context(), cl, h.descriptor(req.Instance), req.Options); err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cl.Snapshot())
}

// handleClusterStatus handles GET /admin/clusters/{name}/status
func (h *AdminHandlers) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	cl, ok := h.lookup(w, r)
	if !ok {
		return
	}

	snap, err := h.dba.Controller().Status(r.Context(), cl)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, snap)
}

// handleWaitForState handles POST /admin/clusters/{name}/wait
func (h *AdminHandlers) handleWaitForState(w http.ResponseWriter, r *http.Request) {
	cl, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req waitRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	addr, err := parseAddress(req.Address)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	expected := instance.StateOnline
	if req.State != "" {
		expected = instance.ParseMemberState(req.State)
		if !strings.EqualFold(string(expected), strings.TrimSpace(req.State)) {
			writeErrorResponse(w, http.StatusBadRequest, "bad_request", "unknown member state "+req.State)
			return
		}
	}
	timeout, err := h.parseTimeout(req.TimeoutMS)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	obs, err := h.dba.Controller().WaitForState(r.Context(), cl, addr, expected, timeout)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, obs)
}

// handleDissolveCluster handles DELETE /admin/clusters/{name}
func (h *AdminHandlers) handleDissolveCluster(w http.ResponseWriter, r *http.Request) {
	cl, ok := h.lookup(w, r)
	if !ok {
		return
	}

	if err := h.dba.Controller().Dissolve(r.Context(), cl); err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"name": cl.Name(), "state": cl.State()})
}

// handleRebootCluster handles POST /admin/clusters/{name}/reboot
func (h *AdminHandlers) handleRebootCluster(w http.ResponseWriter, r *http.Request) {
	var req instanceRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	name := chi.URLParam(r, "name")
	res, err := h.dba.RebootClusterFromCompleteOutage(r.Context(), name, h.descriptor(req.Instance))
	if err != nil {
		writeOperationError(w, err)
		return
	}

	log.Info().
		Str("cluster", res.Cluster.Name()).
		Int("rejoined", len(res.Rejoined)).
		Int("missing", len(res.Missing)).
		Msg("Cluster rebooted from complete outage")

	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"cluster":  res.Cluster.Snapshot(),
		"rejoined": res.Rejoined,
		"missing":  res.Missing,
		"failures": res.Failures,
	})
}

// lookup resolves the {name} URL parameter to a known cluster
func (h *AdminHandlers) lookup(w http.ResponseWriter, r *http.Request) (*cluster.Cluster, bool) {
	cl, err := h.dba.GetCluster(r.Context(), chi.URLParam(r, "name"), instance.Descriptor{})
	if err != nil {
		writeOperationError(w, err)
		return nil, false
	}
	return cl, true
}
