// Package guard provides the module pause switch checked at the entry of
// every protocol operation.
package guard

import "errors"

var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a named module is administratively paused.
type PauseView interface {
	IsPaused(module string) bool
}

// Check returns ErrModulePaused when the module is paused. A nil view or
// empty module name never blocks.
func Check(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
