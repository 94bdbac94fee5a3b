package reducer

// initializeLocalUsedMaps allocates, once, a zero-filled int32 usage
// bitmap per replica: one slot per variable, set to 1 the first time that
// variable's gradient is produced in an iteration.
func (r *Reducer) initializeLocalUsedMaps() {
	r.localUsedMaps = make([]Tensor, len(r.replicas))
	for i := range r.replicas {
		device := r.replicas[i][0].Device()
		r.localUsedMaps[i] = r.tensorFactory.ZerosInt32(device, int64(len(r.replicas[i])))
	}
}

// markLocallyUsed records that variableIndex produced a gradient on this
// process for replicaIndex, ahead of the next cross-process usage sync.
func (r *Reducer) markLocallyUsed(replicaIndex, variableIndex int) {
	if r.localUsedMaps == nil {
		return
	}
	r.localUsedMaps[replicaIndex].SetInt(int64(variableIndex), 1)
}

// searchUnusedParameters walks the autograd graph reachable from outputs
// and pre-marks every parameter the walk never reaches as ready, using
// the one legal double-mark path markVariableReady recognizes. It is a
// local (single-process) approximation: FinalizeBucketDense's global_unused
// reconciliation, driven by the cross-process usage all-reduce below,
// catches the rarer case where ranks disagree about which parameters are
// unused.
func (r *Reducer) searchUnusedParameters(outputs []Variable) error {
	if r.hookEngine == nil {
		return nil
	}
	reachable := r.hookEngine.ReachableFromOutputs(outputs)
	if reachable == nil {
		return nil
	}

	r.unusedParameters = make(map[int]bool)
	for replicaIndex, vars := range r.replicas {
		for vi, v := range vars {
			if reachable[v] {
				continue
			}
			if replicaIndex == 0 {
				r.unusedParameters[vi] = true
			}
			if err := r.markVariableReady(replicaIndex, vi); err != nil {
				return err
			}
		}
	}
	return nil
}

// launchUsageAllReduce kicks off the cross-process reduction of this
// iteration's usage bitmaps, once the final bucket has been marked ready.
// Its result is not needed until FinalizeBucketDense has to decide a
// locally-unused variable's global status, so the wait is deferred to
// that lazy check instead of happening here.
func (r *Reducer) launchUsageAllReduce() error {
	if r.localUsedMaps == nil {
		return nil
	}
	work, err := r.processGroup.AllReduce(r.localUsedMaps)
	if err != nil {
		return err
	}
	r.usageWork = work
	r.localUsedMapsReduced = false
	return nil
}

// waitUsageAllReduce blocks for the in-flight usage all-reduce, if one is
// outstanding and hasn't already been folded in by an earlier lazy wait
// this iteration.
func (r *Reducer) waitUsageAllReduce() error {
	if r.usageWork == nil || r.localUsedMapsReduced {
		return nil
	}
	if err := r.usageWork.Wait(); err != nil {
		return err
	}
	r.localUsedMapsReduced = true
	return nil
}

// resetUsageMapsForNextIteration waits out any usage all-reduce still in
// flight, so a lazy wait from next iteration's FinalizeBucketDense can
// never race the reduction this iteration launched, then zeroes every
// replica's usage bitmap for the next round of markLocallyUsed calls.
func (r *Reducer) resetUsageMapsForNextIteration() error {
	if r.localUsedMaps == nil {
		return nil
	}
	if err := r.waitUsageAllReduce(); err != nil {
		return err
	}
	for _, m := range r.localUsedMaps {
		m.Zero()
	}
	r.usageWork = nil
	r.localUsedMapsReduced = false
	return nil
}
