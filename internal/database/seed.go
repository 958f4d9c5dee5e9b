package database

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/gluk-w/portdash/internal/instancecfg"
	"github.com/gluk-w/portdash/internal/logutil"
	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML layout of an instance seed file:
//
//	instances:
//	  - name: local
//	    type: docker
//	    config:
//	      host: unix:///var/run/docker.sock
type SeedFile struct {
	Instances []SeedInstance `yaml:"instances"`
}

type SeedInstance struct {
	Name         string         `yaml:"name"`
	Type         string         `yaml:"type"`
	Enabled      *bool          `yaml:"enabled"`
	AutoDetect   *bool          `yaml:"auto_detect"`
	ScanInterval int            `yaml:"scan_interval"`
	Config       map[string]any `yaml:"config"`
}

func ParseSeed(data []byte) (*SeedFile, error) {
	var f SeedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return &f, nil
}

// LoadSeedFile creates every instance in the file whose name is not stored
// yet. Existing instances are never modified. Invalid entries are logged and
// skipped. Returns the number of instances created.
func LoadSeedFile(ctx context.Context, store *Store, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed file: %w", err)
	}
	f, err := ParseSeed(data)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, si := range f.Instances {
		if _, err := store.FindInstanceByName(ctx, si.Name); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return created, err
		}

		inst := &Instance{
			Name:         si.Name,
			Type:         instancecfg.Type(si.Type),
			Enabled:      boolOr(si.Enabled, true),
			AutoDetect:   boolOr(si.AutoDetect, true),
			ScanInterval: si.ScanInterval,
			Config:       si.Config,
		}
		if err := store.CreateInstance(ctx, inst); err != nil {
			log.Printf("[database] Skipping seed instance %s: %v", logutil.SanitizeForLog(si.Name), err)
			continue
		}
		log.Printf("[database] Seeded instance %s (id=%d, type=%s)", logutil.SanitizeForLog(inst.Name), inst.ID, inst.Type)
		created++
	}
	return created, nil
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
