// Package actioncodes maps raw device inputs to stable small integers.
package actioncodes

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/gameon/recorder/internal/models"
)

// Store is the persistence the registry needs. CreateActionCode must be
// first-writer-wins: a loser gets the winner's row back.
type Store interface {
	ActionCode(ctx context.Context, device models.InputDevice, raw string) (*models.ActionCode, error)
	CreateActionCode(ctx context.Context, device models.InputDevice, raw, description, category string) (*models.ActionCode, error)
	ListActionCodes(ctx context.Context, device models.InputDevice) ([]models.ActionCode, error)
}

// Registry is a lazily populated, process-wide cache of action codes.
type Registry struct {
	store  Store
	logger *zap.Logger

	mu    sync.RWMutex
	codes map[string]models.ActionCode
	group singleflight.Group
}

// NewRegistry creates a registry backed by store.
func NewRegistry(store Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:  store,
		logger: logger,
		codes:  make(map[string]models.ActionCode),
	}
}

func key(device models.InputDevice, raw string) string {
	return string(device) + ":" + raw
}

// Resolve returns the code for (device, raw), allocating and persisting it on
// first sight. Codes are never renumbered.
func (r *Registry) Resolve(ctx context.Context, device models.InputDevice, raw string) (models.ActionCode, error) {
	k := key(device, raw)
	r.mu.RLock()
	ac, ok := r.codes[k]
	r.mu.RUnlock()
	if ok {
		return ac, nil
	}

	v, err, _ := r.group.Do(k, func() (any, error) {
		r.mu.RLock()
		cached, ok := r.codes[k]
		r.mu.RUnlock()
		if ok {
			return cached, nil
		}
		found, err := r.store.ActionCode(ctx, device, raw)
		if err != nil {
			return nil, fmt.Errorf("lookup action code: %w", err)
		}
		if found == nil {
			desc, cat := Classify(device, raw)
			found, err = r.store.CreateActionCode(ctx, device, raw, desc, cat)
			if err != nil {
				return nil, fmt.Errorf("create action code: %w", err)
			}
			r.logger.Debug("Action code allocated",
				zap.String("device", string(device)),
				zap.String("raw_input", raw),
				zap.Int("encoded_value", found.EncodedValue))
		}
		r.mu.Lock()
		r.codes[k] = *found
		r.mu.Unlock()
		return *found, nil
	})
	if err != nil {
		return models.ActionCode{}, err
	}
	return v.(models.ActionCode), nil
}

// Mapping returns "device:raw" → encoded value for device (all devices when
// empty), warming the cache from the store.
func (r *Registry) Mapping(ctx context.Context, device models.InputDevice) (map[string]int, error) {
	list, err := r.store.ListActionCodes(ctx, device)
	if err != nil {
		return nil, fmt.Errorf("list action codes: %w", err)
	}
	out := make(map[string]int, len(list))
	r.mu.Lock()
	for _, ac := range list {
		r.codes[ac.MappingKey()] = ac
		out[ac.MappingKey()] = ac.EncodedValue
	}
	r.mu.Unlock()
	return out, nil
}

// Len is the number of cached codes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.codes)
}
