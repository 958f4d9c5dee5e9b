package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gluk-w/portdash/internal/instancecfg"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrNotFound      = errors.New("instance not found")
	ErrDuplicateName = errors.New("instance name already exists")
)

// InstancePatch carries optional top-level field updates. Nil fields are left
// unchanged.
type InstancePatch struct {
	Name         *string
	Enabled      *bool
	AutoDetect   *bool
	ScanInterval *int
}

// Store is the gorm-backed instance store.
type Store struct {
	db *gorm.DB

	// serializes read-modify-write of config blobs; SQLite upgrades a read
	// transaction to a write lock only with a busy retry otherwise
	mu sync.Mutex
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) GetInstance(ctx context.Context, id uint) (*Instance, error) {
	var inst Instance
	if err := s.db.WithContext(ctx).First(&inst, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("instance %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("load instance %d: %w", id, err)
	}
	return &inst, nil
}

func (s *Store) FindInstanceByName(ctx context.Context, name string) (*Instance, error) {
	var inst Instance
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&inst).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("instance %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("load instance %q: %w", name, err)
	}
	return &inst, nil
}

func (s *Store) ListInstances(ctx context.Context) ([]Instance, error) {
	var instances []Instance
	if err := s.db.WithContext(ctx).Order("id").Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return instances, nil
}

// CreateInstance validates and inserts inst. A zero ScanInterval gets the
// default.
func (s *Store) CreateInstance(ctx context.Context, inst *Instance) error {
	inst.Name = strings.TrimSpace(inst.Name)
	if inst.Name == "" {
		return fmt.Errorf("create instance: name is required")
	}
	if inst.ScanInterval == 0 {
		inst.ScanInterval = instancecfg.DefaultScanInterval
	}
	if err := instancecfg.ValidateScanInterval(inst.ScanInterval); err != nil {
		return err
	}
	if err := instancecfg.Validate(inst.Type, inst.ConfigMap()); err != nil {
		return err
	}
	if inst.Config == nil {
		inst.Config = datatypes.JSONMap{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := checkNameFree(s.db.WithContext(ctx), inst.Name, 0); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(inst).Error; err != nil {
		return fmt.Errorf("create instance: %w", err)
	}
	return nil
}

// UpdateInstance applies top-level field changes.
func (s *Store) UpdateInstance(ctx context.Context, id uint, p InstancePatch) (*Instance, error) {
	updates, err := p.updates()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.GetInstance(ctx, id); err != nil {
		return nil, err
	}
	if name, ok := updates["name"].(string); ok {
		if err := checkNameFree(s.db.WithContext(ctx), name, id); err != nil {
			return nil, err
		}
	}
	if len(updates) > 0 {
		if err := s.db.WithContext(ctx).Model(&Instance{ID: id}).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("update instance %d: %w", id, err)
		}
	}
	return s.GetInstance(ctx, id)
}

// ReplaceInstance applies p and replaces the config with cfg in one
// transaction, so either both land or neither does. cfg is validated and
// keeps vault-managed key material like ReplaceInstanceConfig.
func (s *Store) ReplaceInstance(ctx context.Context, id uint, p InstancePatch, cfg map[string]any) (*Instance, error) {
	updates, err := p.updates()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inst Instance
		if err := tx.First(&inst, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("instance %d: %w", id, ErrNotFound)
			}
			return fmt.Errorf("load instance %d: %w", id, err)
		}
		if err := instancecfg.Validate(inst.Type, cfg); err != nil {
			return err
		}
		if name, ok := updates["name"].(string); ok {
			if err := checkNameFree(tx, name, id); err != nil {
				return err
			}
		}
		updates["config"] = datatypes.JSONMap(withKeyMaterial(inst.ConfigMap(), cfg))
		if err := tx.Model(&inst).Updates(updates).Error; err != nil {
			return fmt.Errorf("replace instance %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetInstance(ctx, id)
}

// updates converts p into a column map, validating each set field.
func (p InstancePatch) updates() (map[string]any, error) {
	updates := map[string]any{}
	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		if name == "" {
			return nil, fmt.Errorf("update instance: name is required")
		}
		updates["name"] = name
	}
	if p.Enabled != nil {
		updates["enabled"] = *p.Enabled
	}
	if p.AutoDetect != nil {
		updates["auto_detect"] = *p.AutoDetect
	}
	if p.ScanInterval != nil {
		if err := instancecfg.ValidateScanInterval(*p.ScanInterval); err != nil {
			return nil, err
		}
		updates["scan_interval"] = *p.ScanInterval
	}
	return updates, nil
}

// UpdateInstanceConfig merges patch into the stored config in one write. A nil
// value in patch removes the key. The result is not re-validated; callers
// merging user input validate first.
func (s *Store) UpdateInstanceConfig(ctx context.Context, id uint, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inst Instance
		if err := tx.First(&inst, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("instance %d: %w", id, ErrNotFound)
			}
			return fmt.Errorf("load instance %d: %w", id, err)
		}
		merged := instancecfg.Merge(inst.ConfigMap(), patch)
		if err := tx.Model(&inst).Update("config", datatypes.JSONMap(merged)).Error; err != nil {
			return fmt.Errorf("update instance %d config: %w", id, err)
		}
		return nil
	})
}

// ReplaceInstanceConfig validates cfg and stores it in place of the current
// config. Vault-managed key material survives the replacement unless cfg sets
// it explicitly.
func (s *Store) ReplaceInstanceConfig(ctx context.Context, id uint, cfg map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, err := s.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if err := instancecfg.Validate(inst.Type, cfg); err != nil {
		return err
	}

	next := withKeyMaterial(inst.ConfigMap(), cfg)
	if err := s.db.WithContext(ctx).Model(inst).Update("config", datatypes.JSONMap(next)).Error; err != nil {
		return fmt.Errorf("replace instance %d config: %w", id, err)
	}
	return nil
}

func (s *Store) DeleteInstance(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&Instance{}, id)
	if res.Error != nil {
		return fmt.Errorf("delete instance %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("instance %d: %w", id, ErrNotFound)
	}
	return nil
}

// withKeyMaterial copies cfg and carries over any key material it does not set.
func withKeyMaterial(current, cfg map[string]any) map[string]any {
	next := instancecfg.Merge(nil, cfg)
	for _, k := range instancecfg.KeyMaterialKeys {
		if _, ok := next[k]; !ok {
			if v, ok := current[k]; ok {
				next[k] = v
			}
		}
	}
	return next
}

func checkNameFree(db *gorm.DB, name string, self uint) error {
	var count int64
	q := db.Model(&Instance{}).Where("name = ?", name)
	if self != 0 {
		q = q.Where("id <> ?", self)
	}
	if err := q.Count(&count).Error; err != nil {
		return fmt.Errorf("check instance name: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("%q: %w", name, ErrDuplicateName)
	}
	return nil
}
