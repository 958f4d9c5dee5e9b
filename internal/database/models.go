package database

import (
	"time"

	"github.com/gluk-w/portdash/internal/instancecfg"
	"gorm.io/datatypes"
)

// Instance is a configured container backend. Config holds the type-specific
// connection settings plus the SSH key material managed by the vault.
type Instance struct {
	ID           uint              `gorm:"primaryKey;autoIncrement" json:"id"`
	Name         string            `gorm:"uniqueIndex;not null" json:"name"`
	Type         instancecfg.Type  `gorm:"not null;index" json:"type"`
	Enabled      bool              `gorm:"not null" json:"enabled"`
	AutoDetect   bool              `gorm:"not null" json:"auto_detect"`
	ScanInterval int               `gorm:"not null" json:"scan_interval"` // seconds
	Config       datatypes.JSONMap `gorm:"type:text" json:"config"`
	CreatedAt    time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// ConfigMap returns the instance config as a plain map, never nil.
func (i *Instance) ConfigMap() map[string]any {
	if i.Config == nil {
		return map[string]any{}
	}
	return map[string]any(i.Config)
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
