// Package firewalltest provides an in-memory firewall for tests.
package firewalltest

import (
	"context"
	"slices"
	"sync"
)

// Enactor records admissions in memory. Errors set on it are returned by
// the matching call until cleared.
type Enactor struct {
	mu        sync.Mutex
	admitted  map[string]bool
	admits    []string
	revokes   []string
	admitErr  error
	revokeErr error
	connErr   error

	// OnAdmit, if set, runs at the start of Admit without the lock held.
	// A non-nil error fails that Admit call.
	OnAdmit func(deviceID string) error
	// OnRevoke, if set, runs inside Revoke before it returns.
	OnRevoke func(deviceID string)
}

// New creates an empty fake firewall.
func New() *Enactor {
	return &Enactor{admitted: make(map[string]bool)}
}

func (e *Enactor) Admit(ctx context.Context, deviceID string) error {
	e.mu.Lock()
	hook := e.OnAdmit
	e.mu.Unlock()

	var hookErr error
	if hook != nil {
		hookErr = hook(deviceID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.admits = append(e.admits, deviceID)
	if hookErr != nil {
		return hookErr
	}
	if e.admitErr != nil {
		return e.admitErr
	}
	e.admitted[deviceID] = true
	return nil
}

func (e *Enactor) Revoke(ctx context.Context, deviceID string) error {
	e.mu.Lock()
	e.revokes = append(e.revokes, deviceID)
	err := e.revokeErr
	if err == nil {
		delete(e.admitted, deviceID)
	}
	hook := e.OnRevoke
	e.mu.Unlock()

	if err == nil && hook != nil {
		hook(deviceID)
	}
	return err
}

func (e *Enactor) TestConnection(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connErr
}

// FailAdmit makes Admit fail with err; nil restores success.
func (e *Enactor) FailAdmit(err error) {
	e.mu.Lock()
	e.admitErr = err
	e.mu.Unlock()
}

// FailRevoke makes Revoke fail with err; nil restores success.
func (e *Enactor) FailRevoke(err error) {
	e.mu.Lock()
	e.revokeErr = err
	e.mu.Unlock()
}

// FailConnection makes TestConnection fail with err.
func (e *Enactor) FailConnection(err error) {
	e.mu.Lock()
	e.connErr = err
	e.mu.Unlock()
}

// Admitted reports whether deviceID is currently let through.
func (e *Enactor) Admitted(deviceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.admitted[deviceID]
}

// Admits returns every Admit call in order, failed ones included.
func (e *Enactor) Admits() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.admits)
}

// Revokes returns every Revoke call in order, failed ones included.
func (e *Enactor) Revokes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.revokes)
}
