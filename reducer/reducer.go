package reducer

import (
	"errors"
	"fmt"
	"sync"
)

// Reducer coalesces a model's gradients into buckets and drives their
// collective reduction as each bucket fills, overlapping communication
// with the remainder of the backward pass. One Reducer is created per
// process and shared across every replica that process owns.
type Reducer struct {
	mu sync.Mutex

	replicas              [][]Variable
	expectSparseGradients [][]bool

	buckets          []Bucket
	variableLocators []variableLocator
	variableReady    [][]bool
	numBucketsReady  int

	tensorFactory     TensorFactory
	processGroup      ProcessGroup
	hookEngine        HookEngine
	distAutogradProbe DistAutogradProbe

	expectAutogradHooks  bool
	findUnusedParameters bool
	gradientAsBucketView bool
	bucketBytesCap       int64

	commHook CommHook

	hookTokens []HookToken
	observer   *hookObserver

	numIterations     int64
	hasRebuiltBuckets bool
	rebuildParamIndices []int

	localUsedMaps        []Tensor
	usageWork            Work
	localUsedMapsReduced bool
	unusedParameters     map[int]bool

	onStrideMismatch func(string)

	iterErr error
	errCh   chan error
	closed  bool
}

// Option configures a Reducer at construction time.
type Option func(*Reducer)

// WithFindUnusedParameters enables the per-iteration autograd-graph walk
// that pre-marks parameters the forward pass never touched, and the
// cross-process usage sync that catches the cases that walk misses.
func WithFindUnusedParameters() Option {
	return func(r *Reducer) { r.findUnusedParameters = true }
}

// WithGradientAsBucketView lets a dense parameter's gradient alias its
// bucket view directly instead of being copied into it each iteration,
// once the two already agree bit for bit.
func WithGradientAsBucketView() Option {
	return func(r *Reducer) { r.gradientAsBucketView = true }
}

// WithBucketBytesCap overrides the steady-state bucket size limit used
// once buckets are rebuilt from observed gradient-readiness order.
func WithBucketBytesCap(n int64) Option {
	return func(r *Reducer) { r.bucketBytesCap = n }
}

// WithDistAutogradProbe installs a probe consulted on every hook firing
// to find the distributed-autograd context, if any, gradient mutations
// should route through instead of the variable's own bookkeeping.
func WithDistAutogradProbe(probe DistAutogradProbe) Option {
	return func(r *Reducer) { r.distAutogradProbe = probe }
}

// WithStrideMismatchWarning installs a callback invoked when replica 0's
// parameter strides disagree across processes. It does not fail
// construction; it only affects whether a parameter's gradient can alias
// its bucket view.
func WithStrideMismatchWarning(fn func(detail string)) Option {
	return func(r *Reducer) { r.onStrideMismatch = fn }
}

// New builds a Reducer over replicas (one slice of parameters per local
// replica, identical order across replicas), grouping them into buckets
// per bucketIndices. processGroup and tensorFactory must be non-nil;
// hookEngine may be nil for callers that drive MarkVariableReady
// themselves instead of through autograd hooks.
func New(
	replicas [][]Variable,
	expectSparseGradients [][]bool,
	bucketIndices [][]int,
	processGroup ProcessGroup,
	tensorFactory TensorFactory,
	hookEngine HookEngine,
	opts ...Option,
) (*Reducer, error) {
	if len(replicas) == 0 || len(replicas[0]) == 0 {
		return nil, errors.New("reducer: at least one replica with at least one variable is required")
	}
	if processGroup == nil {
		return nil, errors.New("reducer: a process group is required")
	}
	if tensorFactory == nil {
		return nil, errors.New("reducer: a tensor factory is required")
	}
	if len(expectSparseGradients) != len(replicas) {
		return nil, fmt.Errorf("reducer: expect_sparse_gradients has %d replicas, want %d", len(expectSparseGradients), len(replicas))
	}

	r := &Reducer{
		replicas:              replicas,
		expectSparseGradients: expectSparseGradients,
		processGroup:          processGroup,
		tensorFactory:         tensorFactory,
		hookEngine:            hookEngine,
		bucketBytesCap:        DefaultBucketBytesCap,
		errCh:                 make(chan error, 16),
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.verifyReplicasWithinProcess(); err != nil {
		return nil, err
	}
	if err := r.verifyReplica0AcrossProcesses(); err != nil {
		return nil, err
	}
	if err := r.initializeBuckets(bucketIndices); err != nil {
		return nil, err
	}

	r.variableReady = make([][]bool, len(replicas))
	for i := range replicas {
		r.variableReady[i] = make([]bool, len(replicas[i]))
	}

	if hookEngine != nil {
		r.observer = &hookObserver{target: r}
		for replicaIndex, vars := range replicas {
			for vi, v := range vars {
				ri, vidx := replicaIndex, vi
				token, err := hookEngine.RegisterPostAccumulateHook(v, func() { r.observer.fire(ri, vidx) })
				if err != nil {
					return nil, err
				}
				r.hookTokens = append(r.hookTokens, token)
			}
		}
	}

	return r, nil
}

func (r *Reducer) resetBucketsForIteration() {
	for i := range r.buckets {
		for j := range r.buckets[i].replicas {
			r.buckets[i].replicas[j].pending = len(r.buckets[i].replicas[j].variables)
		}
	}
	for i := range r.variableReady {
		for j := range r.variableReady[i] {
			r.variableReady[i][j] = false
		}
	}
	r.numBucketsReady = 0
}

// PrepareForBackward must be called once per iteration, before the
// backward pass it covers. outputs seeds the autograd-graph walk that
// finds unused parameters when WithFindUnusedParameters is set.
func (r *Reducer) PrepareForBackward(outputs []Variable) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.New("reducer: reducer is closed")
	}
	if r.expectAutogradHooks {
		return fmt.Errorf("%w: prepare_for_backward called again before the previous iteration finalized", ErrFinalizeRequired)
	}

	r.iterErr = nil
	r.expectAutogradHooks = true
	r.resetBucketsForIteration()

	if r.findUnusedParameters {
		if r.localUsedMaps == nil {
			r.initializeLocalUsedMaps()
		}
		if err := r.searchUnusedParameters(outputs); err != nil {
			return err
		}
	}

	return nil
}

// PrepareForward is an optional hook point a caller can invoke ahead of
// the forward pass; its only effect is to apply a pending bucket rebuild.
// FinalizeBackward already attempts that rebuild as soon as an iteration
// finalizes, so PrepareForward changes nothing unless that attempt did
// not run or returned an error.
func (r *Reducer) PrepareForward() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("reducer: reducer is closed")
	}
	return r.rebuildBuckets()
}

// FinalizeBackward waits out every bucket's collective for this
// iteration and readies the Reducer for the next one. Callers driving
// the Reducer without a HookEngine (hookEngine == nil in New) must call
// it explicitly once every variable has been marked ready. When a
// HookEngine is present, markVariableReady queues this method through
// HookEngine.QueueCallback itself the moment the last bucket kicks off
// its collective, so a caller driving the Reducer through autograd
// hooks never needs to call it directly.
func (r *Reducer) FinalizeBackward() {
	r.finalizeBackward()
	r.mu.Lock()
	if !r.expectAutogradHooks {
		r.rebuildBuckets()
	}
	r.mu.Unlock()
}

// MarkVariableReady marks a single (replica, variable) pair ready
// outside of the autograd-hook path, for callers supplying their own
// readiness signal (hookEngine == nil in New).
func (r *Reducer) MarkVariableReady(replicaIndex, variableIndex int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("reducer: reducer is closed")
	}
	if r.findUnusedParameters {
		r.markLocallyUsed(replicaIndex, variableIndex)
	}
	return r.markVariableReady(replicaIndex, variableIndex)
}

// Close deregisters every autograd hook and disables further delivery
// through this Reducer. It is idempotent.
func (r *Reducer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.observer != nil {
		r.observer.disable()
	}
	if r.hookEngine != nil {
		for _, token := range r.hookTokens {
			if err := r.hookEngine.RemoveHook(token); err != nil {
				return err
			}
		}
	}
	return nil
}

// BackwardStats reports simple per-lifetime telemetry: how many
// iterations have finalized, how many buckets the current layout holds,
// and whether that layout has been rebuilt from observed arrival order
// yet.
type BackwardStats struct {
	NumIterations     int64
	NumBuckets        int
	HasRebuiltBuckets bool
}

// BackwardStats returns a snapshot of the Reducer's lifetime counters.
func (r *Reducer) BackwardStats() BackwardStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return BackwardStats{
		NumIterations:     r.numIterations,
		NumBuckets:        len(r.buckets),
		HasRebuiltBuckets: r.hasRebuiltBuckets,
	}
}

// Err returns the sticky error for the iteration in progress, if any.
func (r *Reducer) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.iterErr
}

// Errs returns a channel that receives each error as it is recorded,
// buffered to 16 entries; an error recorded while the buffer is full is
// not sent. It is never closed by the Reducer.
func (r *Reducer) Errs() <-chan error {
	return r.errCh
}
