package resources

import (
	"fmt"
	"sync"

	"github.com/cuemby/forge/pkg/metrics"
	"github.com/cuemby/forge/pkg/types"
	"github.com/samber/lo"
)

// unlimited is the effective quota for kinds that are guarded solely by the
// exclusive interest protocol rather than by counting.
const unlimited = int(^uint(0) >> 1)

// Manager tracks named, count-quota-based resource tokens and arbitrates
// access to resources that are occasionally needed exclusively, notably the
// cache during cache-size and cleanup jobs.
//
// Only the scheduler loop reserves and releases, so a single mutex is
// sufficient serialization.
type Manager struct {
	mu sync.Mutex

	max   map[types.ResourceKind]int
	inUse map[types.ResourceKind]int

	// exclusive interest tags per kind. While nonempty, only reservations
	// carrying a matching tag via their exclusive set may reserve that
	// kind.
	exclusive map[types.ResourceKind]map[string]struct{}
}

// NewManager creates a resource manager from the configured quotas.
//
// Builders bound the PROCESS kind, fetchers bound DOWNLOAD and pushers
// bound UPLOAD. The CACHE kind is not counted; it is guarded only by the
// exclusive interest protocol.
func NewManager(builders, fetchers, pushers int) *Manager {
	m := &Manager{
		max: map[types.ResourceKind]int{
			types.ResourceCache:    unlimited,
			types.ResourceDownload: fetchers,
			types.ResourceUpload:   pushers,
			types.ResourceProcess:  builders,
		},
		inUse:     make(map[types.ResourceKind]int),
		exclusive: make(map[types.ResourceKind]map[string]struct{}),
	}
	return m
}

// Reserve attempts to reserve every kind in requested at once.
//
// The reservation succeeds only if every requested kind has a free token
// and carries no exclusive interest from another party; the caller's own
// exclusive set counts as a matching interest. A kind reserved exclusively
// must additionally have drained to zero, so the holder runs solo. On
// failure nothing is reserved and the caller is expected to retry on a
// later scheduling round.
func (m *Manager) Reserve(requested, exclusive []types.ResourceKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, kind := range requested {
		if lo.Contains(exclusive, kind) {
			if m.inUse[kind] > 0 {
				return false
			}
		} else if len(m.exclusive[kind]) > 0 {
			return false
		}
		if m.inUse[kind] >= m.max[kind] {
			return false
		}
	}

	for _, kind := range requested {
		m.inUse[kind]++
		metrics.ResourceInUse.WithLabelValues(kind.String()).Inc()
	}
	return true
}

// Release returns previously reserved tokens.
func (m *Manager) Release(kinds []types.ResourceKind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, kind := range kinds {
		if m.inUse[kind] == 0 {
			panic(fmt.Sprintf("releasing %s resource which was never reserved", kind))
		}
		m.inUse[kind]--
		metrics.ResourceInUse.WithLabelValues(kind.String()).Dec()
	}
}

// RegisterExclusiveInterest announces an intention to acquire the given
// kinds solo. While the interest is held, new reservations of those kinds
// from callers not sharing the tag are denied, which lets the in-use count
// drain to zero instead of being starved by a steady stream of small jobs.
//
// Registration is idempotent per tag and kind; every registered tag must
// eventually be unregistered.
func (m *Manager) RegisterExclusiveInterest(kinds []types.ResourceKind, tag string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, kind := range kinds {
		tags := m.exclusive[kind]
		if tags == nil {
			tags = make(map[string]struct{})
			m.exclusive[kind] = tags
		}
		tags[tag] = struct{}{}
	}
}

// UnregisterExclusiveInterest withdraws a previously announced interest.
func (m *Manager) UnregisterExclusiveInterest(kinds []types.ResourceKind, tag string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, kind := range kinds {
		tags := m.exclusive[kind]
		if tags == nil {
			panic(fmt.Sprintf("unregistering unknown exclusive interest %q on %s", tag, kind))
		}
		delete(tags, tag)
		if len(tags) == 0 {
			delete(m.exclusive, kind)
		}
	}
}

// InUse reports the current reservation count for a kind.
func (m *Manager) InUse(kind types.ResourceKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inUse[kind]
}
