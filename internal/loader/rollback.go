package loader

import "log/slog"

// rollback is a stack of undo steps for a load in progress. Each step owns
// one resource; unwinding runs them newest first.
type rollback struct {
	steps []undoStep
}

type undoStep struct {
	name string
	undo func() error
}

func (r *rollback) push(name string, undo func() error) {
	r.steps = append(r.steps, undoStep{name: name, undo: undo})
}

// unwind runs every step. Failures are logged so they never hide the error
// that caused the unwind.
func (r *rollback) unwind() {
	for i := len(r.steps) - 1; i >= 0; i-- {
		s := r.steps[i]
		if err := s.undo(); err != nil {
			slog.Warn("rollback step failed", "step", s.name, "err", err)
		} else {
			slog.Debug("rolled back", "step", s.name)
		}
	}
	r.steps = nil
}

// commit drops every step; ownership has passed elsewhere.
func (r *rollback) commit() {
	r.steps = nil
}
