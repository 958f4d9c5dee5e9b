package handlers

import (
	"net/http"

	"github.com/gluk-w/portdash/internal/backends"
	"github.com/gluk-w/portdash/internal/instancecfg"
	"github.com/gluk-w/portdash/internal/scheduler"
)

// TestInstanceConnection connects to the instance and reports the outcome.
// A failed connection is still a 200; the result carries the failure.
func TestInstanceConnection(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if _, err := Store.GetInstance(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Manager.TestConnection(r.Context(), id))
}

type connectionResponse struct {
	InstanceID  uint                       `json:"instance_id"`
	State       backends.ConnectionState   `json:"state"`
	Transitions []backends.StateTransition `json:"transitions"`
	LastCheck   *scheduler.Check           `json:"last_check,omitempty"`
}

func GetConnectionStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if _, err := Store.GetInstance(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}

	resp := connectionResponse{
		InstanceID:  id,
		State:       Manager.ConnectionState(id),
		Transitions: Manager.StateTransitions(id),
	}
	if resp.Transitions == nil {
		resp.Transitions = []backends.StateTransition{}
	}
	if Health != nil {
		if c, ok := Health.LastCheck(id); ok {
			resp.LastCheck = &c
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func GetSSHKey(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	info, err := Manager.GetPublicKey(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// GenerateSSHKey replaces the instance's key pair.
func GenerateSSHKey(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	info, err := Manager.GenerateSSHKey(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func MigrateSSHKey(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	res, err := Manager.MigrateKeyFormat(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type validateRequest struct {
	Type   instancecfg.Type `json:"type"`
	Config map[string]any   `json:"config"`
}

// ValidateConfig checks a configuration without saving or connecting.
func ValidateConfig(w http.ResponseWriter, r *http.Request) {
	var body validateRequest
	if !decodeBody(w, r, &body) {
		return
	}
	resp := map[string]interface{}{"valid": true}
	if err := Manager.ValidateConfig(body.Type, body.Config); err != nil {
		resp = map[string]interface{}{"valid": false, "error": err.Error()}
	} else if body.Type == instancecfg.TypeDocker {
		resp["transport"] = instancecfg.ResolveTransport(body.Config)
	}
	writeJSON(w, http.StatusOK, resp)
}
