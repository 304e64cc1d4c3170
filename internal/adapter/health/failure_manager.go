// Package health implements the FailureManager and Monitor components of
// spec.md section 4.4: an address-keyed health-status map with expiring
// entries, plus an external health-check prober that feeds it.
package health

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/cm4all/golb/internal/core/domain"
	"github.com/cm4all/golb/internal/core/ports"
)

// compressInterval matches the teacher's cert-cache compress timer
// (internal/adapter/health originally ran a similar periodic GC for stale
// circuit-breaker entries); here it prunes FailureInfo entries that have
// both expired and have no active referrers.
const compressInterval = 10 * time.Minute

var _ ports.FailureManager = (*FailureManager)(nil)

// FailureManager is the hash-set of addresses from spec.md section 4.4,
// using a lock-free map (grounded on the teacher's use of
// github.com/puzpuzpuz/xsync for the request-hot-path endpoint maps in
// adapter/proxy/proxy_olla.go) since Get is called on every dispatched
// request.
type FailureManager struct {
	entries *xsync.Map[string, *domain.FailureInfo]

	stop     chan struct{}
	stopOnce sync.Once
}

func NewFailureManager() *FailureManager {
	fm := &FailureManager{
		entries: xsync.NewMap[string, *domain.FailureInfo](),
		stop:    make(chan struct{}),
	}
	go fm.compressLoop()
	return fm
}

func (fm *FailureManager) entry(addr domain.Address) *domain.FailureInfo {
	key := addr.Key()
	info, _ := fm.entries.LoadOrStore(key, &domain.FailureInfo{})
	return info
}

// Get returns the effective status at time.Now, per spec.md section 3: the
// highest-severity status whose expiry has not yet passed, or OK.
func (fm *FailureManager) Get(addr domain.Address) domain.FailureStatus {
	info, ok := fm.entries.Load(addr.Key())
	if !ok {
		return domain.FailureOK
	}
	return info.Get(time.Now())
}

// Set marks addr as status until now+duration, per spec.md section 4.4's
// "a failure is set with a duration" rule.
func (fm *FailureManager) Set(addr domain.Address, status domain.FailureStatus, duration time.Duration) {
	fm.entry(addr).Set(status, time.Now(), duration)
}

func (fm *FailureManager) Unset(addr domain.Address, status domain.FailureStatus) {
	fm.entry(addr).Unset(status)
}

func (fm *FailureManager) UnsetAll(addr domain.Address) {
	fm.entry(addr).UnsetAll()
}

// compressLoop prunes entries that are both expired and unreferenced,
// mirroring the teacher's fb_pool_compress()-style periodic GC mentioned in
// spec.md section 5 ("Shared-resource discipline").
func (fm *FailureManager) compressLoop() {
	ticker := time.NewTicker(compressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-fm.stop:
			return
		case <-ticker.C:
			now := time.Now()
			fm.entries.Range(func(key string, info *domain.FailureInfo) bool {
				if info.IsExpired(now) {
					fm.entries.Delete(key)
				}
				return true
			})
		}
	}
}

func (fm *FailureManager) Stop() {
	fm.stopOnce.Do(func() { close(fm.stop) })
}
