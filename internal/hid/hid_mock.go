package hid

import (
	"sync"
)

// MockHID is an in-memory Device. Writes are recorded with the report ID
// stripped, and reports queued with Emit are returned by Read.
type MockHID struct {
	// OnWrite, when set, is called with each written packet and may return
	// reports to queue as replies.
	OnWrite func(p []byte) [][]byte

	mu      sync.Mutex
	writes  [][]byte
	err     error
	reports chan []byte
	done    chan struct{}
	once    sync.Once
}

func NewMockHID() *MockHID {
	return &MockHID{
		reports: make(chan []byte, 256),
		done:    make(chan struct{}),
	}
}

func (m *MockHID) Write(p []byte) (int, error) {
	m.mu.Lock()
	err := m.err
	onWrite := m.OnWrite
	if err == nil && len(p) > 0 {
		m.writes = append(m.writes, append([]byte(nil), p[1:]...))
	}
	m.mu.Unlock()

	if err != nil {
		return 0, err
	}
	if onWrite != nil && len(p) > 0 {
		for _, r := range onWrite(append([]byte(nil), p[1:]...)) {
			m.Emit(r)
		}
	}
	return len(p), nil
}

func (m *MockHID) Read(p []byte) (int, error) {
	select {
	case r := <-m.reports:
		return copy(p, r), nil
	case <-m.done:
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.err != nil {
			return 0, m.err
		}
		return 0, ErrClosed
	}
}

func (m *MockHID) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

// Emit queues a report for Read.
func (m *MockHID) Emit(r []byte) {
	select {
	case m.reports <- append([]byte(nil), r...):
	case <-m.done:
	}
}

// Fail makes every subsequent Read and Write return err, like an unplugged
// device would.
func (m *MockHID) Fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
	m.once.Do(func() { close(m.done) })
}

// Writes returns the packets written so far.
func (m *MockHID) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.writes))
	copy(out, m.writes)
	return out
}

// MockManager hands out a single device for a fixed VID/PID.
type MockManager struct {
	VendorID  uint16
	ProductID uint16
	Device    Device
}

func (m *MockManager) List() ([]Info, error) {
	if m.Device == nil {
		return nil, nil
	}
	return []Info{{Path: "mock", VendorID: m.VendorID, ProductID: m.ProductID, Product: "mock"}}, nil
}

func (m *MockManager) OpenVIDPID(vendorID, productID uint16) (Device, error) {
	if m.Device == nil || vendorID != m.VendorID || productID != m.ProductID {
		return nil, notFound(vendorID, productID)
	}
	return m.Device, nil
}
