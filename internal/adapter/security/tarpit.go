// Package security implements the per-client request shaping described in
// spec.md section 4.4 (tarpit) and the request-size/rate guards a reverse
// proxy needs to stay up under abuse, grounded on the teacher's
// adapter/security package.
package security

import (
	"sync"
	"time"

	"github.com/cm4all/golb/internal/core/constants"
	"github.com/cm4all/golb/internal/core/domain"
	"github.com/cm4all/golb/internal/core/ports"
)

// Tarpit implements PerClientAccounting from spec.md section 3/4.4: a
// client hammering the proxy with requests faster than it can idle gets an
// artificial delay inserted before each dispatch, growing in TarpitStep
// increments up to TarpitMaxDelay, shrinking by one TarpitStep when the
// client returns after at least TarpitIdleReset of quiet, and clearing to
// zero once tarpit_until has passed.
type Tarpit struct {
	clients sync.Map // string -> *clientState
}

type clientState struct {
	mu   sync.Mutex
	info domain.ClientAccounting
}

var _ ports.ClientAccountant = (*Tarpit)(nil)

func NewTarpit() *Tarpit { return &Tarpit{} }

func (t *Tarpit) state(clientIP string) *clientState {
	v, _ := t.clients.LoadOrStore(clientIP, &clientState{})
	return v.(*clientState)
}

// Observe records one request from clientIP at time now and returns the
// delay to apply before dispatching it, per spec.md section 4.4's tarpit
// algorithm:
//
//  1. If the client has been idle for TarpitIdleReset or longer, subtract
//     one TarpitStep from the delay (floored at zero) and start a new busy
//     streak.
//  2. Otherwise, if the client has been continuously busy for
//     TarpitBusyThreshold, set tarpit_until = now + TarpitDuration and add
//     one TarpitStep to the delay, capped at TarpitMaxDelay.
//  3. Once now reaches tarpit_until, the delay clears to zero regardless of
//     the above.
func (t *Tarpit) Observe(clientIP string, now time.Time) time.Duration {
	cs := t.state(clientIP)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	info := &cs.info

	wasIdle := !info.IdleSince.IsZero() && now.Sub(info.IdleSince) >= constants.TarpitIdleReset
	if info.BusySince.IsZero() {
		info.BusySince = now
	}

	switch {
	case wasIdle:
		info.Delay -= constants.TarpitStep
		if info.Delay < 0 {
			info.Delay = 0
		}
		info.BusySince = now
	case now.Sub(info.BusySince) >= constants.TarpitBusyThreshold:
		info.TarpitUntil = now.Add(constants.TarpitDuration)
		info.Delay += constants.TarpitStep
		if info.Delay > constants.TarpitMaxDelay {
			info.Delay = constants.TarpitMaxDelay
		}
	}

	if !now.Before(info.TarpitUntil) {
		info.Delay = 0
	}

	info.IdleSince = now
	return info.Delay
}

// Connect/Disconnect track live connection counts per client, used by the
// PerClientAccounting entity's "active connections" bookkeeping in spec.md
// section 3; accounting entries for clients with zero active connections
// are eligible for eviction after ClientAccountingGracePeriod.
func (t *Tarpit) Connect(clientIP string) {
	cs := t.state(clientIP)
	cs.mu.Lock()
	cs.info.Connections++
	cs.mu.Unlock()
}

func (t *Tarpit) Disconnect(clientIP string) {
	cs := t.state(clientIP)
	cs.mu.Lock()
	if cs.info.Connections > 0 {
		cs.info.Connections--
	}
	idle := cs.info.IsIdle()
	since := cs.info.IdleSince
	cs.mu.Unlock()

	if idle && time.Since(since) > constants.ClientAccountingGracePeriod {
		t.clients.Delete(clientIP)
	}
}
