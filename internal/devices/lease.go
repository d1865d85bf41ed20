package devices

import (
	"fmt"
	"sync"

	"github.com/KevinKickass/OpenBenchCore/internal/types"
)

// LeaseRegistry records which bench owns which device, so two controllers in
// one process never drive the same hardware.
type LeaseRegistry struct {
	mu     sync.Mutex
	owners map[string]string
}

func NewLeaseRegistry() *LeaseRegistry {
	return &LeaseRegistry{owners: make(map[string]string)}
}

// Lease is the claim of one owner on a set of devices.
type Lease struct {
	registry *LeaseRegistry
	owner    string
	ids      []string
	once     sync.Once
}

// Acquire leases every id to owner, or none of them.
func (r *LeaseRegistry) Acquire(owner string, ids []string) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		if holder, ok := r.owners[id]; ok {
			return nil, fmt.Errorf("%w: %s is held by %s", types.ErrDeviceLeased, id, holder)
		}
	}
	for _, id := range ids {
		r.owners[id] = owner
	}
	return &Lease{registry: r, owner: owner, ids: append([]string(nil), ids...)}, nil
}

// Owner reports who holds id.
func (r *LeaseRegistry) Owner(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	holder, ok := r.owners[id]
	return holder, ok
}

func (l *Lease) Owner() string { return l.owner }

func (l *Lease) IDs() []string { return append([]string(nil), l.ids...) }

// Release returns the devices to the registry. Releasing twice is a no-op.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.registry.mu.Lock()
		defer l.registry.mu.Unlock()
		for _, id := range l.ids {
			if l.registry.owners[id] == l.owner {
				delete(l.registry.owners, id)
			}
		}
	})
}
