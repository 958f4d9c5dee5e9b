package handlers

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gluk-w/portdash/internal/backends"
	"github.com/gluk-w/portdash/internal/crypto"
	"github.com/gluk-w/portdash/internal/database"
	"github.com/gluk-w/portdash/internal/instancecfg"
	"github.com/gluk-w/portdash/internal/logutil"
	"github.com/gluk-w/portdash/internal/scheduler"
)

var (
	Store   *database.Store
	Manager *backends.Manager
	// Health is the periodic health scheduler. Nil when disabled.
	Health *scheduler.Scheduler
)

type instanceCreateRequest struct {
	Name         string           `json:"name"`
	Type         instancecfg.Type `json:"type"`
	Enabled      *bool            `json:"enabled"`
	AutoDetect   *bool            `json:"auto_detect"`
	ScanInterval int              `json:"scan_interval"`
	Config       map[string]any   `json:"config"`
}

// instanceUpdateRequest is the body of PUT (all fields) and PATCH (any subset).
// On PATCH, config is merged key by key and a null value removes the key.
type instanceUpdateRequest struct {
	Name         *string        `json:"name"`
	Enabled      *bool          `json:"enabled"`
	AutoDetect   *bool          `json:"auto_detect"`
	ScanInterval *int           `json:"scan_interval"`
	Config       map[string]any `json:"config"`
}

type instanceResponse struct {
	ID              uint             `json:"id"`
	Name            string           `json:"name"`
	Type            instancecfg.Type `json:"type"`
	Enabled         bool             `json:"enabled"`
	AutoDetect      bool             `json:"auto_detect"`
	ScanInterval    int              `json:"scan_interval"`
	Config          map[string]any   `json:"config"`
	ConnectionState string           `json:"connection_state"`
	LastCheck       *scheduler.Check `json:"last_check,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

func toInstanceResponse(inst *database.Instance) instanceResponse {
	resp := instanceResponse{
		ID:              inst.ID,
		Name:            inst.Name,
		Type:            inst.Type,
		Enabled:         inst.Enabled,
		AutoDetect:      inst.AutoDetect,
		ScanInterval:    inst.ScanInterval,
		Config:          instancecfg.Redact(inst.ConfigMap(), crypto.Mask),
		ConnectionState: Manager.ConnectionState(inst.ID).String(),
		CreatedAt:       inst.CreatedAt,
		UpdatedAt:       inst.UpdatedAt,
	}
	if Health != nil {
		if c, ok := Health.LastCheck(inst.ID); ok {
			resp.LastCheck = &c
		}
	}
	return resp
}

// restoreMasked replaces secrets echoed back in masked form with the stored
// values, so a client can round-trip a redacted config.
func restoreMasked(current, incoming map[string]any) {
	for _, k := range instancecfg.SecretKeys {
		got, ok := incoming[k].(string)
		if !ok || got == "" {
			continue
		}
		stored, ok := current[k].(string)
		if ok && got == crypto.Mask(stored) {
			incoming[k] = stored
		}
	}
}

func ListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := Store.ListInstances(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list instances")
		return
	}
	resp := make([]instanceResponse, 0, len(instances))
	for i := range instances {
		resp = append(resp, toInstanceResponse(&instances[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func CreateInstance(w http.ResponseWriter, r *http.Request) {
	var body instanceCreateRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if !body.Type.Valid() {
		writeError(w, http.StatusBadRequest, "type must be one of docker, portainer, komodo")
		return
	}

	inst := &database.Instance{
		Name:         body.Name,
		Type:         body.Type,
		Enabled:      body.Enabled == nil || *body.Enabled,
		AutoDetect:   body.AutoDetect == nil || *body.AutoDetect,
		ScanInterval: body.ScanInterval,
		Config:       body.Config,
	}
	if err := Store.CreateInstance(r.Context(), inst); err != nil {
		writeStoreError(w, err)
		return
	}
	log.Printf("[instances] Created %s instance %s (id=%d)", inst.Type, logutil.SanitizeForLog(inst.Name), inst.ID)
	writeJSON(w, http.StatusCreated, toInstanceResponse(inst))
}

func GetInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	inst, err := Store.GetInstance(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInstanceResponse(inst))
}

// ReplaceInstance handles PUT: the config is replaced as a whole and every
// top-level field is required.
func ReplaceInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var body instanceUpdateRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Name == nil || body.Enabled == nil || body.AutoDetect == nil || body.ScanInterval == nil || body.Config == nil {
		writeError(w, http.StatusBadRequest, "name, enabled, auto_detect, scan_interval and config are required")
		return
	}

	ctx := r.Context()
	inst, err := Store.GetInstance(ctx, id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	restoreMasked(inst.ConfigMap(), body.Config)

	patch := database.InstancePatch{
		Name:         body.Name,
		Enabled:      body.Enabled,
		AutoDetect:   body.AutoDetect,
		ScanInterval: body.ScanInterval,
	}
	if _, err := Store.ReplaceInstance(ctx, id, patch, body.Config); err != nil {
		writeStoreError(w, err)
		return
	}
	respondUpdated(w, r, id)
}

// PatchInstance handles PATCH: only the fields present change.
func PatchInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var body instanceUpdateRequest
	if !decodeBody(w, r, &body) {
		return
	}

	ctx := r.Context()
	inst, err := Store.GetInstance(ctx, id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if body.Config != nil {
		for _, k := range instancecfg.KeyMaterialKeys {
			if _, ok := body.Config[k]; ok {
				writeError(w, http.StatusBadRequest, k+" is managed by the ssh-key endpoints")
				return
			}
		}
		restoreMasked(inst.ConfigMap(), body.Config)
		merged := instancecfg.Merge(inst.ConfigMap(), body.Config)
		if err := Manager.ValidateConfig(inst.Type, merged); err != nil {
			writeStoreError(w, err)
			return
		}
	}

	patch := database.InstancePatch{
		Name:         body.Name,
		Enabled:      body.Enabled,
		AutoDetect:   body.AutoDetect,
		ScanInterval: body.ScanInterval,
	}
	if _, err := Store.UpdateInstance(ctx, id, patch); err != nil {
		writeStoreError(w, err)
		return
	}
	if body.Config != nil {
		if err := Store.UpdateInstanceConfig(ctx, id, body.Config); err != nil {
			writeStoreError(w, err)
			return
		}
	}
	respondUpdated(w, r, id)
}

// respondUpdated drops the cached connection of id and writes its new state.
func respondUpdated(w http.ResponseWriter, r *http.Request, id uint) {
	Manager.Invalidate(id)
	inst, err := Store.GetInstance(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	log.Printf("[instances] Updated instance %s (id=%d)", logutil.SanitizeForLog(inst.Name), id)
	writeJSON(w, http.StatusOK, toInstanceResponse(inst))
}

func DeleteInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := Store.DeleteInstance(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	Manager.Forget(id)
	if Health != nil {
		Health.Forget(id)
	}
	log.Printf("[instances] Deleted instance id=%d", id)
	w.WriteHeader(http.StatusNoContent)
}
