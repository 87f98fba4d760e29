package bridge

// rollbackStack collects undo actions for a multi-step hand-off. Register
// an action right after the step it undoes succeeds; discharge the stack
// once the whole hand-off has succeeded. A deferred run executes the
// remaining actions in reverse order, so a failure at any step unwinds
// exactly the steps already taken.
type rollbackStack struct {
	undo []func()
}

func (r *rollbackStack) add(f func()) {
	r.undo = append(r.undo, f)
}

// pop drops the most recent undo action without running it, for steps
// whose resource has been handed to a longer-lived owner.
func (r *rollbackStack) pop() {
	r.undo = r.undo[:len(r.undo)-1]
}

func (r *rollbackStack) run() {
	for i := len(r.undo) - 1; i >= 0; i-- {
		r.undo[i]()
	}
	r.undo = nil
}

func (r *rollbackStack) discharge() {
	r.undo = nil
}
