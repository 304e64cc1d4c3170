package health

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cm4all/golb/internal/core/domain"
)

// StatusTransitionTracker reduces logging noise by only logging failure
// status changes, or repeated errors every 10th occurrence / 5 minutes,
// grounded on the teacher's adapter/health/tracker.go
// StatusTransitionTracker, retargeted from domain.EndpointStatus to
// domain.FailureStatus.
type StatusTransitionTracker struct {
	entries sync.Map // map[string]*statusEntry
}

type statusEntry struct {
	lastStatus  int32
	lastLogTime int64
	errorCount  int64
}

func NewStatusTransitionTracker() *StatusTransitionTracker {
	return &StatusTransitionTracker{}
}

// ShouldLog reports whether a status observation for addrKey is worth
// logging, and the current repeated-error count.
func (st *StatusTransitionTracker) ShouldLog(addrKey string, newStatus domain.FailureStatus, isError bool) (bool, int) {
	value, exists := st.entries.Load(addrKey)
	if !exists {
		entry := &statusEntry{
			lastStatus:  int32(newStatus),
			lastLogTime: time.Now().UnixNano(),
		}
		actual, loaded := st.entries.LoadOrStore(addrKey, entry)
		if !loaded {
			return true, 0
		}
		value = actual
	}

	entry := value.(*statusEntry)
	oldStatus := domain.FailureStatus(atomic.LoadInt32(&entry.lastStatus))

	if oldStatus != newStatus {
		atomic.StoreInt32(&entry.lastStatus, int32(newStatus))
		atomic.StoreInt64(&entry.errorCount, 0)
		return true, 0
	}

	if isError {
		count := atomic.AddInt64(&entry.errorCount, 1)
		lastLog := time.Unix(0, atomic.LoadInt64(&entry.lastLogTime))

		if count%10 == 0 || time.Since(lastLog) > 5*time.Minute {
			atomic.StoreInt64(&entry.lastLogTime, time.Now().UnixNano())
			return true, int(count)
		}
	}

	return false, int(atomic.LoadInt64(&entry.errorCount))
}

func (st *StatusTransitionTracker) CleanupAddress(addrKey string) {
	st.entries.Delete(addrKey)
}
