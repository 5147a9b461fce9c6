package erp

import (
	"fmt"
	"sync"

	domain "notification_scheduler/internal/domain/erp"
	"notification_scheduler/internal/domain/schedule"
)

// Registry resolves adapters by ERP kind, falling back to a default adapter.
type Registry struct {
	mu       sync.RWMutex
	adapters map[schedule.ERPKind]domain.Adapter
	fallback domain.Adapter
}

func NewRegistry(fallback domain.Adapter) *Registry {
	return &Registry{adapters: make(map[schedule.ERPKind]domain.Adapter), fallback: fallback}
}

func (r *Registry) Register(kind schedule.ERPKind, a domain.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[kind] = a
}

func (r *Registry) Adapter(kind schedule.ERPKind) (domain.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.adapters[kind]; ok {
		return a, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w for kind %s", domain.ErrNoAdapter, kind)
}

var _ domain.Resolver = (*Registry)(nil)
