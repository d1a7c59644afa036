// Package hooks adapts external side effects (currently: running a shell
// command) to the mapper.MappingHandler interface.
package hooks

import (
	"github.com/nyat-dev/nyat"
	"github.com/nyat-dev/nyat/mapper"
)

// Hooks fans a mapping change out to every configured side effect. A nil
// Exec means no command was configured; OnChange is then a no-op.
type Hooks struct {
	Exec *ExecHook
}

// New builds a Hooks from a shell command line, or a handler that does
// nothing if cmd is empty.
func New(cmd string) *Hooks {
	h := &Hooks{}
	if cmd != "" {
		h.Exec = NewExecHook(cmd)
	}
	return h
}

// OnChange implements mapper.MappingHandler.
func (h *Hooks) OnChange(info nyat.MappingInfo) {
	if h.Exec != nil {
		h.Exec.OnChange(info)
	}
}

var _ mapper.MappingHandler = (*Hooks)(nil)
