package sysemu

import (
	"context"
	"sync"

	"github.com/ehrlich-b/go-sysemu/internal/constants"
	"github.com/ehrlich-b/go-sysemu/internal/interfaces"
)

// mockHostBase is where MockHost places mappings, far above the emulated heap
const mockHostBase uintptr = 1 << 40

// MockHost provides a mock implementation of HostIO for testing.
// It hands out page-aligned addresses outside the heap, never asks the
// caller to release memory, and tracks method calls for verification.
type MockHost struct {
	mu sync.RWMutex

	next  uintptr
	live  map[uintptr]MapRequest
	stats map[string]interface{}

	mapErr   error
	unmapErr error
	syncErr  error

	// Method call tracking
	mapCalls   int
	unmapCalls int
	syncCalls  int
	lastSync   SyncRequest
}

// NewMockHost creates a new mock host.
// This is useful for unit testing code that maps files through a System.
func NewMockHost() *MockHost {
	return &MockHost{
		next:  mockHostBase,
		live:  make(map[uintptr]MapRequest),
		stats: make(map[string]interface{}),
	}
}

// Map implements the HostIO interface
func (m *MockHost) Map(_ context.Context, req MapRequest) (uintptr, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mapCalls++
	if m.mapErr != nil {
		return 0, false, m.mapErr
	}

	addr := m.next
	pages := (req.Length + constants.PageSize - 1) / constants.PageSize
	m.next += uintptr(pages * constants.PageSize)

	req.Addr = addr
	m.live[addr] = req
	return addr, false, nil
}

// Unmap implements the HostIO interface
func (m *MockHost) Unmap(_ context.Context, req MapRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unmapCalls++
	if m.unmapErr != nil {
		return m.unmapErr
	}
	if _, ok := m.live[req.Addr]; !ok {
		return ErrInvalidArgument
	}
	delete(m.live, req.Addr)
	return nil
}

// Sync implements the HostIO interface
func (m *MockHost) Sync(_ context.Context, req SyncRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.syncCalls++
	m.lastSync = req
	return m.syncErr
}

// Stats implements the StatHost interface
func (m *MockHost) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]interface{})
	for k, v := range m.stats {
		stats[k] = v
	}

	stats["type"] = "mock"
	stats["map_calls"] = m.mapCalls
	stats["unmap_calls"] = m.unmapCalls
	stats["sync_calls"] = m.syncCalls
	stats["live"] = len(m.live)

	return stats
}

// Testing utility methods

// FailMap makes subsequent Map calls return err. A nil err clears it.
func (m *MockHost) FailMap(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mapErr = err
}

// FailUnmap makes subsequent Unmap calls return err. A nil err clears it.
func (m *MockHost) FailUnmap(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unmapErr = err
}

// FailSync makes subsequent Sync calls return err. A nil err clears it.
func (m *MockHost) FailSync(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncErr = err
}

// Live returns the number of mappings the host currently holds
func (m *MockHost) Live() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.live)
}

// LastSync returns the most recent sync request
func (m *MockHost) LastSync() SyncRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSync
}

// CallCounts returns the number of times each method has been called
func (m *MockHost) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int{
		"map":   m.mapCalls,
		"unmap": m.unmapCalls,
		"sync":  m.syncCalls,
	}
}

// Reset resets all call counters and injected errors
func (m *MockHost) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mapCalls = 0
	m.unmapCalls = 0
	m.syncCalls = 0
	m.mapErr = nil
	m.unmapErr = nil
	m.syncErr = nil
}

// SetCustomStats allows setting custom statistics for testing
func (m *MockHost) SetCustomStats(stats map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats = make(map[string]interface{})
	for k, v := range stats {
		m.stats[k] = v
	}
}

// Compile-time interface checks
var (
	_ HostIO              = (*MockHost)(nil)
	_ interfaces.StatHost = (*MockHost)(nil)
)
