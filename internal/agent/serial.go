package agent

import "sync"

// serial runs submitted jobs one at a time in submission order. A goroutine
// exists only while jobs are queued.
type serial struct {
	mu      sync.Mutex
	jobs    []func()
	running bool
	closed  bool
}

func (s *serial) submit(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.jobs = append(s.jobs, fn)
	if !s.running {
		s.running = true
		go s.run()
	}
	return true
}

func (s *serial) run() {
	for {
		s.mu.Lock()
		if len(s.jobs) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		fn := s.jobs[0]
		s.jobs[0] = nil
		s.jobs = s.jobs[1:]
		s.mu.Unlock()
		fn()
	}
}

// close rejects further jobs. Jobs already queued still run.
func (s *serial) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
