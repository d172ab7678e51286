package sub

import "sync"

// Status is the connection state of the upstream link.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Failed
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "error"
	default:
		return "unknown"
	}
}

// StatusSignal is a shared observable connection status. One signal is
// wired into every view over the same connection; views watch it to learn
// when the link becomes active.
type StatusSignal struct {
	mu       sync.RWMutex
	current  Status
	nextSub  int
	watchers map[int]func(Status)
}

// NewStatusSignal creates a signal starting at Disconnected.
func NewStatusSignal() *StatusSignal {
	return &StatusSignal{watchers: make(map[int]func(Status))}
}

// Get returns the current status.
func (s *StatusSignal) Get() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Watch registers a callback invoked on every status change, and returns
// a deregistration handle. The callback is not invoked for the current
// value at registration time.
func (s *StatusSignal) Watch(fn func(Status)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.watchers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers, id)
	}
}

// Set publishes a new status. Watchers run synchronously on the caller's
// goroutine, in unspecified order. Setting the same value again is a no-op.
func (s *StatusSignal) Set(status Status) {
	s.mu.Lock()
	if s.current == status {
		s.mu.Unlock()
		return
	}
	s.current = status
	watchers := make([]func(Status), 0, len(s.watchers))
	for _, fn := range s.watchers {
		watchers = append(watchers, fn)
	}
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(status)
	}
}
