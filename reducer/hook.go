package reducer

// hookObserver is the indirection a registered autograd hook closes over
// instead of the Reducer itself. Close() disables it so hooks that fire
// after the Reducer has gone away are inert rather than dangling.
type hookObserver struct {
	target *Reducer
}

func (o *hookObserver) disable() {
	o.target = nil
}

func (o *hookObserver) fire(replicaIndex, variableIndex int) {
	r := o.target
	if r == nil {
		return
	}
	r.autogradHook(replicaIndex, variableIndex)
}

// runGradCallbackForVariable routes a gradient mutation through whatever
// distributed-autograd context is current for this hook firing, falling
// back to the variable's own bookkeeping when none is configured.
func (r *Reducer) runGradCallbackForVariable(v Variable, cb GradCallback) {
	if r.distAutogradProbe != nil {
		if ctx := r.distAutogradProbe(); ctx != nil {
			ctx.RunGradCallback(v, cb)
			return
		}
	}
	v.RunGradCallback(cb)
}

// autogradHook is invoked by the differentiation engine once a variable's
// gradient has been accumulated for this iteration. It is the entry point
// the hooks registered in New use to reach the Reducer's state machine.
func (r *Reducer) autogradHook(replicaIndex, variableIndex int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	if !r.expectAutogradHooks {
		return
	}

	if replicaIndex < 0 || replicaIndex >= len(r.replicas) ||
		variableIndex < 0 || variableIndex >= len(r.replicas[replicaIndex]) {
		r.fail(ErrOutOfRangeIndex)
		return
	}

	if r.findUnusedParameters {
		r.markLocallyUsed(replicaIndex, variableIndex)
	}

	if err := r.markVariableReady(replicaIndex, variableIndex); err != nil {
		r.fail(err)
	}
}

// fail records err as the sticky error for this iteration and makes it
// observable through Errs, without blocking the caller if no one is
// listening.
func (r *Reducer) fail(err error) error {
	if err == nil {
		return nil
	}
	if r.iterErr == nil {
		r.iterErr = err
	}
	select {
	case r.errCh <- err:
	default:
	}
	return err
}
