package reducer

// DType identifies the element type of a Tensor or Variable. It is opaque
// to the Reducer beyond equality comparison across a bucket's members.
type DType struct {
	name string
}

// NewDType returns the DType identified by name. Two DTypes compare equal
// iff they were built from the same name.
func NewDType(name string) DType { return DType{name: name} }

func (d DType) String() string { return d.name }

// Device identifies where a Tensor or Variable's storage lives. It is
// opaque to the Reducer beyond equality comparison across a bucket's
// members.
type Device struct {
	name string
}

// NewDevice returns the Device identified by name.
func NewDevice(name string) Device { return Device{name: name} }

func (d Device) String() string { return d.name }

// VariableIndex identifies a parameter within the replica grid.
type VariableIndex struct {
	ReplicaIndex  int
	VariableIndex int
}

// variableLocator records where a variable lives inside a bucket. It is
// built once at bucket initialization and invalidated on rebuild.
type variableLocator struct {
	bucketIndex      int
	intraBucketIndex int
}

// GradCallback is invoked with a variable's current gradient (nil if the
// gradient is undefined). Returning write=true replaces the gradient with
// newGrad; returning write=false leaves it untouched.
type GradCallback func(grad Tensor) (newGrad Tensor, write bool)

// BucketCandidate is the minimal shape/type information BucketAssigner
// needs about a parameter to place it into a bucket.
type BucketCandidate interface {
	DType() DType
	Device() Device
	Numel() int64
	ElementSize() int64
}

// Variable is a model parameter as seen by the Reducer: out-of-core
// collaborators (the differentiation engine, the tensor engine) own its
// actual storage and autograd wiring; the Reducer only needs its static
// shape/type facts and a way to read-and-maybe-replace its gradient.
type Variable interface {
	BucketCandidate

	RequiresGrad() bool
	Sizes() []int64
	Strides() []int64
	IsNonOverlappingAndDense() bool

	// RunGradCallback runs cb against the variable's current gradient and
	// writes back whatever cb returns when it asks to. Concrete
	// implementations that participate in a distributed-autograd context
	// are expected to route through it themselves when the Reducer has
	// no such context configured (see DistAutogradContext).
	RunGradCallback(cb GradCallback)
}

// Tensor is the minimal capability the Reducer needs from the tensor
// engine: enough to view, allocate and arithmetically combine the flat
// buffers that back a bucket: shape/stride/dtype/device/copy/div/zero/
// narrow/as_strided, plus integer element access for metadata vectors.
type Tensor interface {
	DType() DType
	Device() Device
	Shape() []int64
	Strides() []int64
	Numel() int64
	ElementSize() int64
	IsNonOverlappingAndDense() bool
	IsSparse() bool

	// CopyFrom copies src's elements into the receiver in place.
	CopyFrom(src Tensor)
	// DivScalar divides every element of the receiver by d in place.
	DivScalar(d float64)
	// Zero zeroes every element of the receiver in place.
	Zero()
	// Narrow returns a C-contiguous view of length elements starting at
	// offset (in units of elements), reshaped to shape.
	Narrow(offset, length int64, shape []int64) Tensor
	// AsStrided returns a view with the given shape/strides/offset (in
	// units of elements), aliasing the receiver's storage.
	AsStrided(shape, strides []int64, offset int64) Tensor
	// IsAliasOf reports whether the receiver and other share the same
	// backing storage.
	IsAliasOf(other Tensor) bool

	// SetInt and GetInt address a 1-D integer-valued tensor by flat
	// index; they back the unused-parameter usage bitmap.
	SetInt(i int64, v int64)
	GetInt(i int64) int64
}

// TensorFactory allocates the handful of tensors the Reducer owns
// outright: a dense bucket's flat contents buffer, and the unused-
// parameter usage bitmaps. It mirrors the at::empty/at::zeros call sites
// of the engine this package is modeled on, without binding the Reducer
// to any particular tensor backend.
type TensorFactory interface {
	// Empty allocates an uninitialized 1-D tensor of length numel with
	// the given dtype/device.
	Empty(dtype DType, device Device, numel int64) Tensor
	// ZerosInt32 allocates a zero-filled 1-D int32 tensor of length on
	// device.
	ZerosInt32(device Device, length int64) Tensor
	// Int64Vector allocates a 1-D int64 tensor on device initialized
	// with data.
	Int64Vector(device Device, data []int64) Tensor
}

// Work is a handle to an in-flight collective call. Wait blocks until the
// collective completes and reports its outcome.
type Work interface {
	Wait() error
}

// ProcessGroup is the minimal collective communication surface the
// Reducer requires: in-order initiation, non-blocking work handles,
// device-aware transport, identical operand shape/dtype across ranks.
// Broadcasts originate at rank 0.
type ProcessGroup interface {
	Broadcast(tensors []Tensor) (Work, error)
	AllReduce(tensors []Tensor) (Work, error)
	Size() int
}

// GradBucket is the payload handed to a registered CommHook: one tensor
// per replica, in replica order.
type GradBucket struct {
	Index   int
	Tensors []Tensor
}

// Future is a handle to the asynchronous result of a CommHook invocation.
type Future interface {
	Wait() error
	Value() any
}

// CommHook is an optional pluggable transformation of bucket tensors.
// When registered, it replaces the default all-reduce for every bucket
// and suppresses the implicit division by world size, since the hook is
// expected to own the scaling contract entirely.
type CommHook interface {
	RunHook(bucket GradBucket) (Future, error)
	ProcessFuture(value any) ([]Tensor, error)
}

// DistAutogradContext models the thread-local distributed-autograd
// context the original engine consults when mutating a gradient. When a
// DistAutogradProbe returns a non-nil context, the Reducer routes
// gradient mutations through it instead of calling Variable.RunGradCallback
// directly.
type DistAutogradContext interface {
	RunGradCallback(v Variable, cb GradCallback)
}

// DistAutogradProbe is consulted afresh every time the Reducer mutates a
// gradient, with the Reducer's lock held, mirroring the original's
// per-hook re-read of a thread-local pointer.
type DistAutogradProbe func() DistAutogradContext

// HookToken identifies a hook registration so it can be removed later.
type HookToken any

// HookEngine is the capability the differentiation engine exposes to the
// Reducer: registering a post-accumulation hook per parameter, queuing a
// callback to run once the current backward pass's autograd work has
// drained, and walking the autograd graph to discover parameters that
// never produced a gradient.
type HookEngine interface {
	// RegisterPostAccumulateHook registers fn to run after v's gradient
	// has been accumulated for this iteration; it returns a token used
	// to deregister it with RemoveHook.
	RegisterPostAccumulateHook(v Variable, fn func()) (HookToken, error)
	// RemoveHook deregisters a hook previously returned by
	// RegisterPostAccumulateHook.
	RemoveHook(token HookToken) error
	// QueueCallback arranges for fn to run once, after the current
	// backward pass's autograd work has drained.
	QueueCallback(fn func())
	// ReachableFromOutputs returns the set of variables reachable in the
	// autograd graph rooted at outputs. It may return nil if the engine
	// cannot or need not perform the walk.
	ReachableFromOutputs(outputs []Variable) map[Variable]bool
}

// bucketReplica is one per replica per bucket.
type bucketReplica struct {
	variables   []Variable
	contents    Tensor
	offsets     []int64
	lengths     []int64
	bucketViews []Tensor
	pending     int
}

// Bucket is a coalesced group of parameters whose gradients share a
// single collective call.
type Bucket struct {
	replicas             []bucketReplica
	variableIndices      []int
	pending              int
	expectSparseGradient bool

	work    Work
	workErr error

	futureWork Future
	futureErr  error
}

// VariableIndices reports the parameter indices assigned to this bucket,
// identical across replicas.
func (b *Bucket) VariableIndices() []int { return append([]int(nil), b.variableIndices...) }

// ExpectSparseGradient reports whether this bucket holds a single sparse
// gradient passthrough rather than a coalesced dense buffer.
func (b *Bucket) ExpectSparseGradient() bool { return b.expectSparseGradient }
