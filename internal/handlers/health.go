package handlers

import (
	"net/http"

	"github.com/gluk-w/portdash/internal/database"
	"github.com/gluk-w/portdash/internal/sshtunnel"
)

// Tunnels is the tunnel engine reported by the health check. May be nil.
var Tunnels *sshtunnel.Engine

type tunnelStatus struct {
	ID     string          `json:"id"`
	Target string          `json:"target"`
	Port   int             `json:"local_port"`
	State  sshtunnel.State `json:"state"`
	Stats  sshtunnel.Stats `json:"stats"`
}

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	tunnels := []tunnelStatus{}
	if Tunnels != nil {
		for _, t := range Tunnels.Active() {
			tunnels = append(tunnels, tunnelStatus{
				ID:     t.ID,
				Target: t.Endpoint.Target.String(),
				Port:   t.Port(),
				State:  t.State(),
				Stats:  t.Stats(),
			})
		}
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         status,
		"database":       dbStatus,
		"active_tunnels": len(tunnels),
		"tunnels":        tunnels,
	})
}
