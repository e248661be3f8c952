package gpio

import "sync"

// SimPin keeps its level in memory. Inputs with a pull-up idle high.
type SimPin struct {
	mu     sync.Mutex
	name   string
	level  Level
	output bool
	writes int
}

func NewSimPin(name string) *SimPin { return &SimPin{name: name, level: High} }

func (s *SimPin) Name() string { return s.name }

func (s *SimPin) Out(l Level) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output = true
	s.level = l
	s.writes++
	return nil
}

func (s *SimPin) In(p Pull) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output = false
	s.level = p != PullDown
	return nil
}

func (s *SimPin) Read() Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

// Set drives an input from outside, as a test or console would.
func (s *SimPin) Set(l Level) {
	s.mu.Lock()
	s.level = l
	s.mu.Unlock()
}

// Writes counts Out calls.
func (s *SimPin) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}
