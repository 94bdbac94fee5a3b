package reducer

import (
	"errors"
	"fmt"
)

// InitializeBuckets (re)builds the bucket/replica/view structures from a
// proposed partition of parameter indices. It must not be called while a
// backward pass is in flight.
func (r *Reducer) InitializeBuckets(bucketIndices [][]int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initializeBuckets(bucketIndices)
}

func (r *Reducer) initializeBuckets(bucketIndices [][]int) error {
	if r.expectAutogradHooks {
		return errors.New("reducer: initialize_buckets must not be called during autograd execution")
	}

	locators := make([]variableLocator, len(r.replicas[0]))
	buckets := make([]Bucket, 0, len(bucketIndices))

	for bi, indices := range bucketIndices {
		if len(indices) == 0 {
			return errors.New("reducer: empty bucket specified")
		}

		var bucket Bucket
		if len(indices) == 1 {
			vi := indices[0]
			if vi < 0 || vi >= len(r.expectSparseGradients[0]) {
				return fmt.Errorf("%w: %d", ErrOutOfRangeIndex, vi)
			}
			bucket.expectSparseGradient = r.expectSparseGradients[0][vi]
		} else {
			for _, vi := range indices {
				if vi < 0 || vi >= len(r.expectSparseGradients[0]) {
					return fmt.Errorf("%w: %d", ErrOutOfRangeIndex, vi)
				}
				if r.expectSparseGradients[0][vi] {
					return errors.New("reducer: buckets with more than one variable cannot include a variable that expects a sparse gradient")
				}
			}
		}

		for replicaIndex := range r.replicas {
			replica, err := r.buildBucketReplica(replicaIndex, indices, bucket.expectSparseGradient)
			if err != nil {
				return err
			}
			bucket.replicas = append(bucket.replicas, replica)
		}

		intra := 0
		for _, vi := range indices {
			if vi < 0 || vi >= len(locators) {
				return fmt.Errorf("%w: %d", ErrOutOfRangeIndex, vi)
			}
			locators[vi] = variableLocator{bucketIndex: bi, intraBucketIndex: intra}
			intra++
		}
		bucket.variableIndices = append([]int(nil), indices...)
		buckets = append(buckets, bucket)
	}

	r.buckets = buckets
	r.variableLocators = locators
	return nil
}

func (r *Reducer) buildBucketReplica(replicaIndex int, indices []int, expectSparseGradient bool) (bucketReplica, error) {
	var replica bucketReplica

	if expectSparseGradient {
		vi := indices[0]
		if vi < 0 || vi >= len(r.replicas[replicaIndex]) {
			return replica, fmt.Errorf("%w: %d", ErrOutOfRangeIndex, vi)
		}
		replica.variables = []Variable{r.replicas[replicaIndex][vi]}
		return replica, nil
	}

	var dtype DType
	var device Device
	haveType := false
	var offset int64

	for _, vi := range indices {
		if vi < 0 || vi >= len(r.replicas[replicaIndex]) {
			return replica, fmt.Errorf("%w: %d", ErrOutOfRangeIndex, vi)
		}
		v := r.replicas[replicaIndex][vi]
		if !haveType {
			dtype, device = v.DType(), v.Device()
			haveType = true
		} else {
			if v.Device() != device {
				return replica, errors.New("reducer: all parameters in a bucket must be placed on the same device")
			}
			if v.DType() != dtype {
				return replica, errors.New("reducer: all parameters in a bucket must have the same dtype")
			}
		}
		length := numel(v.Sizes())
		replica.variables = append(replica.variables, v)
		replica.offsets = append(replica.offsets, offset)
		replica.lengths = append(replica.lengths, length)
		offset += length
	}

	replica.contents = r.tensorFactory.Empty(dtype, device, offset)
	r.initializeBucketViews(&replica, replica.contents, true)
	return replica, nil
}

// initializeBucketViews builds replica's bucket_views against contents,
// per the gradient layout contract: a non-overlapping-and-dense
// parameter gets an as-strided view matching its own strides, anything
// else gets a C-contiguous narrow+view. When a variable's current
// gradient is defined and does not already alias the new view,
// copyToBucketView controls whether its data is copied in before the
// gradient is redirected to alias the view.
func (r *Reducer) initializeBucketViews(replica *bucketReplica, contents Tensor, copyToBucketView bool) {
	replica.bucketViews = make([]Tensor, 0, len(replica.variables))
	for i, v := range replica.variables {
		offset := replica.offsets[i]
		length := replica.lengths[i]

		var view Tensor
		if v.IsNonOverlappingAndDense() {
			view = contents.AsStrided(v.Sizes(), v.Strides(), offset)
		} else {
			view = contents.Narrow(offset, length, v.Sizes())
		}
		replica.bucketViews = append(replica.bucketViews, view)

		r.runGradCallbackForVariable(v, func(grad Tensor) (Tensor, bool) {
			if grad == nil || grad.IsAliasOf(view) {
				return nil, false
			}
			if copyToBucketView {
				view.CopyFrom(grad)
			}
			return view, true
		})
	}
}
