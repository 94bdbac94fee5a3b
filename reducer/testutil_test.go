package reducer

// Fakes backing the reducer package's tests: a minimal flat-buffer
// tensor, a variable wrapping it, and in-process stand-ins for the
// collaborators the Reducer only ever calls through interfaces.

type storageBuf struct {
	floats []float64
	ints   []int64
}

type fakeTensor struct {
	storage        *storageBuf
	isInt          bool
	offset         int64
	length         int64
	shape          []int64
	strides        []int64
	dtype          DType
	device         Device
	sparse         bool
	nonOverlapping bool
}

func (t *fakeTensor) DType() DType    { return t.dtype }
func (t *fakeTensor) Device() Device  { return t.device }
func (t *fakeTensor) Shape() []int64  { return t.shape }
func (t *fakeTensor) Strides() []int64 { return t.strides }
func (t *fakeTensor) Numel() int64    { return t.length }
func (t *fakeTensor) ElementSize() int64 { return 4 }
func (t *fakeTensor) IsNonOverlappingAndDense() bool { return t.nonOverlapping }
func (t *fakeTensor) IsSparse() bool { return t.sparse }

func (t *fakeTensor) CopyFrom(src Tensor) {
	s := src.(*fakeTensor)
	if t.isInt {
		copy(t.storage.ints[t.offset:t.offset+t.length], s.storage.ints[s.offset:s.offset+s.length])
		return
	}
	copy(t.storage.floats[t.offset:t.offset+t.length], s.storage.floats[s.offset:s.offset+s.length])
}

func (t *fakeTensor) DivScalar(d float64) {
	for i := t.offset; i < t.offset+t.length; i++ {
		t.storage.floats[i] /= d
	}
}

func (t *fakeTensor) Zero() {
	if t.isInt {
		for i := t.offset; i < t.offset+t.length; i++ {
			t.storage.ints[i] = 0
		}
		return
	}
	for i := t.offset; i < t.offset+t.length; i++ {
		t.storage.floats[i] = 0
	}
}

func (t *fakeTensor) Narrow(offset, length int64, shape []int64) Tensor {
	return &fakeTensor{
		storage: t.storage, isInt: t.isInt, offset: t.offset + offset, length: length,
		shape: shape, dtype: t.dtype, device: t.device, nonOverlapping: true,
	}
}

func (t *fakeTensor) AsStrided(shape, strides []int64, offset int64) Tensor {
	return &fakeTensor{
		storage: t.storage, isInt: t.isInt, offset: offset, length: numel(shape),
		shape: shape, strides: strides, dtype: t.dtype, device: t.device, nonOverlapping: true,
	}
}

func (t *fakeTensor) IsAliasOf(other Tensor) bool {
	o, ok := other.(*fakeTensor)
	return ok && o.storage == t.storage
}

func (t *fakeTensor) SetInt(i int64, v int64) { t.storage.ints[t.offset+i] = v }
func (t *fakeTensor) GetInt(i int64) int64    { return t.storage.ints[t.offset+i] }

type fakeFactory struct{}

func (fakeFactory) Empty(dtype DType, device Device, n int64) Tensor {
	return &fakeTensor{storage: &storageBuf{floats: make([]float64, n)}, length: n, shape: []int64{n}, dtype: dtype, device: device, nonOverlapping: true}
}

func (fakeFactory) ZerosInt32(device Device, n int64) Tensor {
	return &fakeTensor{storage: &storageBuf{ints: make([]int64, n)}, isInt: true, length: n, shape: []int64{n}, device: device, nonOverlapping: true}
}

func (fakeFactory) Int64Vector(device Device, data []int64) Tensor {
	buf := append([]int64(nil), data...)
	return &fakeTensor{storage: &storageBuf{ints: buf}, isInt: true, length: int64(len(buf)), shape: []int64{int64(len(buf))}, device: device, nonOverlapping: true}
}

type fakeVariable struct {
	dtype          DType
	device         Device
	sizes          []int64
	strides        []int64
	requiresGrad   bool
	nonOverlapping bool
	grad           Tensor
}

func (v *fakeVariable) DType() DType     { return v.dtype }
func (v *fakeVariable) Device() Device   { return v.device }
func (v *fakeVariable) Numel() int64     { return numel(v.sizes) }
func (v *fakeVariable) ElementSize() int64 { return 4 }
func (v *fakeVariable) RequiresGrad() bool { return v.requiresGrad }
func (v *fakeVariable) Sizes() []int64     { return v.sizes }
func (v *fakeVariable) Strides() []int64   { return v.strides }
func (v *fakeVariable) IsNonOverlappingAndDense() bool { return v.nonOverlapping }

func (v *fakeVariable) RunGradCallback(cb GradCallback) {
	newGrad, write := cb(v.grad)
	if write {
		v.grad = newGrad
	}
}

func newFakeVariable(dtype DType, device Device, sizes []int64) *fakeVariable {
	strides := make([]int64, len(sizes))
	stride := int64(1)
	for i := len(sizes) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= sizes[i]
	}
	return &fakeVariable{dtype: dtype, device: device, sizes: sizes, strides: strides, requiresGrad: true, nonOverlapping: true}
}

type fakeWork struct{ err error }

func (w *fakeWork) Wait() error { return w.err }

type fakeProcessGroup struct {
	size            int
	allReduceCalls  int
	broadcastCalls  int
	allReduceErr    error
	broadcastMutate func(Tensor)

	// allReduceAdd, if set, is applied to every tensor passed to
	// AllReduce, standing in for the other ranks' contribution a real
	// sum-reduce would add in place.
	allReduceAdd func(Tensor)
}

func (pg *fakeProcessGroup) Broadcast(tensors []Tensor) (Work, error) {
	pg.broadcastCalls++
	if pg.broadcastMutate != nil {
		for _, t := range tensors {
			pg.broadcastMutate(t)
		}
	}
	return &fakeWork{}, nil
}

func (pg *fakeProcessGroup) AllReduce(tensors []Tensor) (Work, error) {
	pg.allReduceCalls++
	if pg.allReduceErr != nil {
		return nil, pg.allReduceErr
	}
	if pg.allReduceAdd != nil {
		for _, t := range tensors {
			pg.allReduceAdd(t)
		}
	}
	return &fakeWork{}, nil
}

func (pg *fakeProcessGroup) Size() int {
	if pg.size == 0 {
		return 1
	}
	return pg.size
}

type fakeHookEngine struct {
	reachable map[Variable]bool
	removed   []HookToken
	queued    []func()
}

type fakeHookToken struct {
	v  Variable
	fn func()
}

func (h *fakeHookEngine) RegisterPostAccumulateHook(v Variable, fn func()) (HookToken, error) {
	return &fakeHookToken{v: v, fn: fn}, nil
}

func (h *fakeHookEngine) RemoveHook(token HookToken) error {
	h.removed = append(h.removed, token)
	return nil
}

// QueueCallback queues fn rather than running it, the way a real
// differentiation engine only runs it once its own work for the backward
// pass has drained — critically, after releasing any lock the Reducer
// held while registering it. Tests call drain once they are done firing
// hooks.
func (h *fakeHookEngine) QueueCallback(fn func()) {
	h.queued = append(h.queued, fn)
}

// drain runs every callback queued since the last drain, in order.
func (h *fakeHookEngine) drain() {
	pending := h.queued
	h.queued = nil
	for _, fn := range pending {
		fn()
	}
}

func (h *fakeHookEngine) ReachableFromOutputs(outputs []Variable) map[Variable]bool {
	return h.reachable
}
