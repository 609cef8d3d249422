package connproxy

import "sync"

// stopper is a protected boolean that can be set once and waited on.
type stopper struct {
	cond    sync.Cond
	stopped bool
}

func newStopper() *stopper {
	return &stopper{
		cond: sync.Cond{L: &sync.Mutex{}},
	}
}

// stop sets the stopper. Only the first call has an effect.
func (s *stopper) stop() {
	s.cond.L.Lock()
	s.stopped = true
	s.cond.Broadcast()
	s.cond.L.Unlock()
}

func (s *stopper) isStopped() bool {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	return s.stopped
}

// wait blocks until stop is called.
func (s *stopper) wait() {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	for !s.stopped {
		s.cond.Wait()
	}
}
