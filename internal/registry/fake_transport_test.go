package registry

import "sync"

// fakeTransport is a Transport test double recording writes and closes.
type fakeTransport struct {
	mu     sync.Mutex
	writes [][]byte
	closed bool
	code   int
	reason string
}

func (f *fakeTransport) WriteJSON(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
	f.reason = reason
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return "fake:0" }

func (f *fakeTransport) wasClosedWith(code int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed && f.code == code
}
