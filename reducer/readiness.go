package reducer

import "fmt"

// markVariableReady is invoked once per (replica, variable) per iteration,
// normally from autogradHook but also from the unused-parameter sweep in
// prepareForBackward for parameters the autograd graph never touched. It
// launches filled buckets in index order. Once the last bucket's
// collective has been launched, it queues FinalizeBackward
// through the HookEngine itself, the same point the differentiation engine
// would run it after draining its own work.
func (r *Reducer) markVariableReady(replicaIndex, variableIndex int) error {
	if r.variableLocators == nil {
		return fmt.Errorf("reducer: buckets have not been initialized")
	}
	if replicaIndex < 0 || replicaIndex >= len(r.replicas) {
		return fmt.Errorf("%w: replica %d", ErrOutOfRangeIndex, replicaIndex)
	}
	if variableIndex < 0 || variableIndex >= len(r.variableLocators) {
		return fmt.Errorf("%w: %d", ErrOutOfRangeIndex, variableIndex)
	}

	if r.variableReady[replicaIndex][variableIndex] {
		if r.unusedParameters[variableIndex] {
			// The parameter was pre-marked unused during the forward-graph
			// sweep; seeing its gradient after all is the one legal
			// double-mark path.
			return nil
		}
		return fmt.Errorf("%w: replica %d variable %d", ErrVariableAlreadyReady, replicaIndex, variableIndex)
	}
	r.variableReady[replicaIndex][variableIndex] = true

	if replicaIndex == 0 && !r.hasRebuiltBuckets && !r.findUnusedParameters {
		r.rebuildParamIndices = append(r.rebuildParamIndices, variableIndex)
	}

	loc := r.variableLocators[variableIndex]
	bucket := &r.buckets[loc.bucketIndex]
	replica := &bucket.replicas[replicaIndex]

	if bucket.expectSparseGradient {
		r.markVariableReadySparse(replica, loc.intraBucketIndex)
	} else {
		r.markVariableReadyDense(replica, loc.intraBucketIndex)
	}

	replica.pending--
	if replica.pending < 0 {
		return fmt.Errorf("reducer: replica %d of bucket %d over-decremented", replicaIndex, loc.bucketIndex)
	}

	// Buckets launch strictly in index order: numBucketsReady is the index
	// of the next bucket to launch, and a bucket that fills ahead of it
	// waits until every bucket before it has launched.
	launched := false
	for r.numBucketsReady < len(r.buckets) {
		next := &r.buckets[r.numBucketsReady]
		allReplicasReady := true
		for i := range next.replicas {
			if next.replicas[i].pending != 0 {
				allReplicasReady = false
				break
			}
		}
		if !allReplicasReady {
			break
		}
		if err := r.markBucketReady(r.numBucketsReady); err != nil {
			return err
		}
		r.numBucketsReady++
		launched = true
	}
	if launched {
		if r.numBucketsReady == len(r.buckets) {
			if r.findUnusedParameters {
				if err := r.launchUsageAllReduce(); err != nil {
					return err
				}
			}
			if r.hookEngine != nil {
				r.hookEngine.QueueCallback(r.FinalizeBackward)
			}
		}
	}
	return nil
}

// markVariableReadyDense copies the variable's gradient into its slot of
// the bucket's flat contents buffer, or, when the Reducer is configured to
// let the gradient alias the bucket view directly, verifies the alias
// instead of copying.
func (r *Reducer) markVariableReadyDense(replica *bucketReplica, intraIndex int) {
	v := replica.variables[intraIndex]
	view := replica.bucketViews[intraIndex]

	r.runGradCallbackForVariable(v, func(grad Tensor) (Tensor, bool) {
		if grad == nil {
			view.Zero()
			return nil, false
		}
		if r.gradientAsBucketView && grad.IsAliasOf(view) {
			return nil, false
		}
		view.CopyFrom(grad)
		if r.gradientAsBucketView {
			return view, true
		}
		return nil, false
	})
}

// markVariableReadySparse hands the variable's own gradient tensor
// straight to the bucket replica: sparse gradients are never coalesced
// into a shared dense buffer.
func (r *Reducer) markVariableReadySparse(replica *bucketReplica, intraIndex int) {
	v := replica.variables[intraIndex]
	r.runGradCallbackForVariable(v, func(grad Tensor) (Tensor, bool) {
		if grad != nil {
			replica.contents = grad
		}
		return nil, false
	})
}

// markBucketReady launches the bucket's collective reduction: a comm hook
// if one is registered, otherwise an all-reduce across every replica's
// contents tensor in one call.
func (r *Reducer) markBucketReady(bucketIndex int) error {
	bucket := &r.buckets[bucketIndex]

	if r.commHook != nil {
		tensors := make([]Tensor, len(bucket.replicas))
		for i, replica := range bucket.replicas {
			tensors[i] = replica.contents
		}
		future, err := r.commHook.RunHook(GradBucket{Index: bucketIndex, Tensors: tensors})
		if err != nil {
			bucket.futureErr = err
			return err
		}
		bucket.futureWork = future
		return nil
	}

	tensors := make([]Tensor, len(bucket.replicas))
	for i, replica := range bucket.replicas {
		tensors[i] = replica.contents
	}
	work, err := r.processGroup.AllReduce(tensors)
	if err != nil {
		bucket.workErr = err
		return err
	}
	bucket.work = work
	return nil
}
