package domain

import "time"

// ClientAccounting is the per-source-address record from spec.md section 3:
// active connection count, idle/busy timestamps, and the tarpit state used
// to compute a progressive per-request delay. The behaviour that mutates
// these fields (the tarpit algorithm of spec.md section 4.4) lives in
// internal/adapter/security; this type is the plain data record so the
// FailureManager-style map in that package can stay free of business logic
// in its storage layer.
type ClientAccounting struct {
	IdleSince   time.Time // timestamp of the client's last observed request
	BusySince   time.Time // start of the current uninterrupted busy streak
	TarpitUntil time.Time // delay clears once now reaches this
	Delay       time.Duration
	Connections int
}

// IsIdle reports whether the client has no open connections, meaning the
// record is eligible for the grace-period GC described
// in spec.md section 3.
func (c *ClientAccounting) IsIdle() bool {
	return c.Connections == 0
}
