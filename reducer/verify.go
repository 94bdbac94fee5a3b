package reducer

import "fmt"

// verifyReplicasWithinProcess checks that every replica owned by this
// process presents the same parameter count, shapes and requires-grad
// flags, in the same order. It runs once, at construction.
func (r *Reducer) verifyReplicasWithinProcess() error {
	if len(r.replicas) == 0 {
		return fmt.Errorf("reducer: at least one replica is required")
	}
	first := r.replicas[0]
	for replicaIndex := 1; replicaIndex < len(r.replicas); replicaIndex++ {
		replica := r.replicas[replicaIndex]
		if len(replica) != len(first) {
			return fmt.Errorf("reducer: replica %d has %d variables, replica 0 has %d", replicaIndex, len(replica), len(first))
		}
		for vi := range first {
			a, b := first[vi], replica[vi]
			if a.RequiresGrad() != b.RequiresGrad() {
				return fmt.Errorf("reducer: replica %d variable %d disagrees with replica 0 on requires_grad", replicaIndex, vi)
			}
			if !int64SliceEqual(a.Sizes(), b.Sizes()) {
				return fmt.Errorf("reducer: replica %d variable %d has a different shape than replica 0", replicaIndex, vi)
			}
		}
	}
	return nil
}

// metadataVector flattens each variable's rank followed by its sizes (or
// strides) into one vector, suitable for a single broadcast/compare.
func metadataVector(vars []Variable, strides bool) []int64 {
	var out []int64
	for _, v := range vars {
		dims := v.Sizes()
		if strides {
			dims = v.Strides()
		}
		out = append(out, int64(len(dims)))
		out = append(out, dims...)
	}
	return out
}

func readInt64Vector(t Tensor) []int64 {
	out := make([]int64, t.Numel())
	for i := range out {
		out[i] = t.GetInt(int64(i))
	}
	return out
}

// verifyReplica0AcrossProcesses broadcasts replica 0's shape metadata from
// rank 0 and compares it against this process's own replica 0. A size
// disagreement is fatal, since it means the bucket layout itself cannot
// agree across ranks; a stride disagreement only affects whether a
// parameter can alias its bucket view directly, so it is reported through
// onStrideMismatch rather than failing the call.
func (r *Reducer) verifyReplica0AcrossProcesses() error {
	if r.processGroup == nil || r.processGroup.Size() <= 1 {
		return nil
	}

	device := r.replicas[0][0].Device()
	localSizes := metadataVector(r.replicas[0], false)
	sizesVec := r.tensorFactory.Int64Vector(device, localSizes)
	work, err := r.processGroup.Broadcast([]Tensor{sizesVec})
	if err != nil {
		return err
	}
	if err := work.Wait(); err != nil {
		return err
	}
	if !int64SliceEqual(localSizes, readInt64Vector(sizesVec)) {
		return fmt.Errorf("reducer: parameter shapes do not agree across processes")
	}

	localStrides := metadataVector(r.replicas[0], true)
	stridesVec := r.tensorFactory.Int64Vector(device, localStrides)
	work, err = r.processGroup.Broadcast([]Tensor{stridesVec})
	if err != nil {
		return err
	}
	if err := work.Wait(); err != nil {
		return err
	}
	if !int64SliceEqual(localStrides, readInt64Vector(stridesVec)) && r.onStrideMismatch != nil {
		r.onStrideMismatch("parameter strides do not agree across processes; affected parameters cannot alias their bucket view")
	}
	return nil
}

// syncBucketIndices broadcasts rank 0's bucket assignment so every process
// adopts the identical layout, in two phases so it works even when ranks
// proposed different numbers of buckets (the case rebuild exists to
// reconcile in the first place). The first phase broadcasts every
// parameter index flattened across all buckets, plus rank 0's bucket
// count appended as a trailing scalar; that tensor's length is the total
// parameter count plus one, which is identical on every rank regardless
// of how each rank happened to partition them, so it broadcasts without
// any prior negotiation of shape. Once every rank knows the true bucket
// count, the second phase broadcasts one size per bucket, which only
// ranks whose local bucket count fell short of it need to pad.
func (r *Reducer) syncBucketIndices(bucketIndices [][]int) ([][]int, error) {
	if r.processGroup == nil || r.processGroup.Size() <= 1 {
		return bucketIndices, nil
	}

	totalSize := 0
	for _, b := range bucketIndices {
		totalSize += len(b)
	}

	device := r.replicas[0][0].Device()

	flat := make([]int64, 0, totalSize+1)
	for _, b := range bucketIndices {
		for _, vi := range b {
			flat = append(flat, int64(vi))
		}
	}
	flat = append(flat, int64(len(bucketIndices)))

	indicesVec := r.tensorFactory.Int64Vector(device, flat)
	work, err := r.processGroup.Broadcast([]Tensor{indicesVec})
	if err != nil {
		return nil, err
	}
	if err := work.Wait(); err != nil {
		return nil, err
	}

	decodedIndices := readInt64Vector(indicesVec)
	numBuckets := int(decodedIndices[len(decodedIndices)-1])
	flatIndices := decodedIndices[:len(decodedIndices)-1]

	sizes := make([]int64, numBuckets)
	for i := 0; i < numBuckets; i++ {
		j := i
		if j >= len(bucketIndices) {
			j = len(bucketIndices) - 1
		}
		sizes[i] = int64(len(bucketIndices[j]))
	}
	sizesVec := r.tensorFactory.Int64Vector(device, sizes)
	work, err = r.processGroup.Broadcast([]Tensor{sizesVec})
	if err != nil {
		return nil, err
	}
	if err := work.Wait(); err != nil {
		return nil, err
	}
	decodedSizes := readInt64Vector(sizesVec)

	result := make([][]int, 0, numBuckets)
	pos := 0
	for b := 0; b < numBuckets; b++ {
		n := int(decodedSizes[b])
		indices := make([]int, n)
		for i := 0; i < n; i++ {
			indices[i] = int(flatIndices[pos])
			pos++
		}
		result = append(result, indices)
	}
	return result, nil
}
