package tensor

import "github.com/9rum/reducer/reducer"

// storage is the flat backing buffer a family of views shares. Dense
// tensors hold float64 elements; the usage bitmaps and shape/stride
// metadata vectors the reducer package exchanges between processes hold
// int64 elements instead.
type storage struct {
	floats []float64
	ints   []int64
}

// Dense is a flat, possibly-strided view over a shared storage buffer. It
// is the concrete Tensor implementation this module ships, deliberately
// minimal: enough arithmetic to drive bucket reduction, nothing a real
// compute engine would be expected to own instead.
type Dense struct {
	buf            *storage
	isInt          bool
	offset         int64
	shape          []int64
	strides        []int64
	dtype          reducer.DType
	device         reducer.Device
	sparse         bool
	nonOverlapping bool
}

var (
	_ reducer.Tensor = (*Dense)(nil)
)

func contiguousStrides(shape []int64) []int64 {
	strides := make([]int64, len(shape))
	stride := int64(1)
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func numel(shape []int64) int64 {
	n := int64(1)
	for _, s := range shape {
		n *= s
	}
	return n
}

// NewDense allocates a zero-filled, C-contiguous dense tensor.
func NewDense(dtype reducer.DType, device reducer.Device, shape []int64) *Dense {
	n := numel(shape)
	return &Dense{
		buf:            &storage{floats: make([]float64, n)},
		shape:          shape,
		strides:        contiguousStrides(shape),
		dtype:          dtype,
		device:         device,
		nonOverlapping: true,
	}
}

func (d *Dense) DType() reducer.DType    { return d.dtype }
func (d *Dense) Device() reducer.Device  { return d.device }
func (d *Dense) Shape() []int64          { return d.shape }
func (d *Dense) Strides() []int64        { return d.strides }
func (d *Dense) Numel() int64            { return numel(d.shape) }
func (d *Dense) ElementSize() int64      { return 8 }
func (d *Dense) IsNonOverlappingAndDense() bool { return d.nonOverlapping }
func (d *Dense) IsSparse() bool          { return d.sparse }

func (d *Dense) length() int64 {
	if d.isInt {
		return int64(len(d.buf.ints)) - d.offset
	}
	return numel(d.shape)
}

func (d *Dense) CopyFrom(src reducer.Tensor) {
	s, ok := src.(*Dense)
	if !ok {
		return
	}
	n := d.Numel()
	if d.isInt {
		copy(d.buf.ints[d.offset:d.offset+n], s.buf.ints[s.offset:s.offset+n])
		return
	}
	copy(d.buf.floats[d.offset:d.offset+n], s.buf.floats[s.offset:s.offset+n])
}

func (d *Dense) DivScalar(v float64) {
	n := d.Numel()
	for i := d.offset; i < d.offset+n; i++ {
		d.buf.floats[i] /= v
	}
}

func (d *Dense) Zero() {
	n := d.Numel()
	if d.isInt {
		for i := d.offset; i < d.offset+n; i++ {
			d.buf.ints[i] = 0
		}
		return
	}
	for i := d.offset; i < d.offset+n; i++ {
		d.buf.floats[i] = 0
	}
}

func (d *Dense) Narrow(offset, length int64, shape []int64) reducer.Tensor {
	return &Dense{
		buf: d.buf, isInt: d.isInt, offset: d.offset + offset,
		shape: shape, strides: contiguousStrides(shape),
		dtype: d.dtype, device: d.device, nonOverlapping: true,
	}
}

func (d *Dense) AsStrided(shape, strides []int64, offset int64) reducer.Tensor {
	return &Dense{
		buf: d.buf, isInt: d.isInt, offset: offset,
		shape: shape, strides: strides,
		dtype: d.dtype, device: d.device, nonOverlapping: true,
	}
}

func (d *Dense) IsAliasOf(other reducer.Tensor) bool {
	o, ok := other.(*Dense)
	return ok && o.buf == d.buf
}

func (d *Dense) SetInt(i int64, v int64) { d.buf.ints[d.offset+i] = v }
func (d *Dense) GetInt(i int64) int64    { return d.buf.ints[d.offset+i] }

// Floats exposes the tensor's own slice of its backing storage, for
// collaborators outside the reducer package's interfaces - the gRPC
// process group's wire codec in particular - that need to read or write
// raw elements.
func (d *Dense) Floats() []float64 {
	n := d.Numel()
	return d.buf.floats[d.offset : d.offset+n]
}
