package guard

import "sync"

// Switch is an in-memory PauseView with administrative toggles. Pauses here
// are operational levers, not persisted state: a restart comes back unpaused.
type Switch struct {
	mu     sync.RWMutex
	paused map[string]bool
}

// NewSwitch returns a Switch with every module running.
func NewSwitch() *Switch {
	return &Switch{paused: make(map[string]bool)}
}

// Pause blocks new operations in the named module.
func (s *Switch) Pause(module string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused[module] = true
}

// Resume lifts a pause.
func (s *Switch) Resume(module string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.paused, module)
}

// IsPaused reports whether the module is paused.
func (s *Switch) IsPaused(module string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused[module]
}

// Paused returns the currently paused module names.
func (s *Switch) Paused() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.paused))
	for m := range s.paused {
		out = append(out, m)
	}
	return out
}
