package tensor

import "github.com/9rum/reducer/reducer"

// Param is the reducer.Variable this package provides: a parameter with a
// static shape/dtype/device and a gradient slot the Reducer reads and
// replaces through RunGradCallback.
type Param struct {
	dtype          reducer.DType
	device         reducer.Device
	sizes          []int64
	strides        []int64
	requiresGrad   bool
	nonOverlapping bool
	grad           reducer.Tensor
}

var _ reducer.Variable = (*Param)(nil)

// NewParam creates a parameter of the given shape, with C-contiguous
// strides and requires_grad set, ready to be handed to reducer.New.
func NewParam(dtype reducer.DType, device reducer.Device, sizes []int64) *Param {
	return &Param{
		dtype:          dtype,
		device:         device,
		sizes:          sizes,
		strides:        contiguousStrides(sizes),
		requiresGrad:   true,
		nonOverlapping: true,
	}
}

func (p *Param) DType() reducer.DType   { return p.dtype }
func (p *Param) Device() reducer.Device { return p.device }
func (p *Param) Numel() int64           { return numel(p.sizes) }
func (p *Param) ElementSize() int64     { return 8 }
func (p *Param) RequiresGrad() bool     { return p.requiresGrad }
func (p *Param) Sizes() []int64         { return p.sizes }
func (p *Param) Strides() []int64       { return p.strides }
func (p *Param) IsNonOverlappingAndDense() bool { return p.nonOverlapping }

// Grad returns the parameter's current gradient, or nil if it has none.
func (p *Param) Grad() reducer.Tensor { return p.grad }

// Accumulate adds grad into the parameter's own gradient tensor,
// allocating it on first use - standing in for what the differentiation
// engine would otherwise do on every backward pass.
func (p *Param) Accumulate(grad *Dense) {
	if p.grad == nil {
		p.grad = NewDense(p.dtype, p.device, p.sizes)
	}
	dst := p.grad.(*Dense).Floats()
	for i, v := range grad.Floats() {
		dst[i] += v
	}
}

func (p *Param) RunGradCallback(cb reducer.GradCallback) {
	newGrad, write := cb(p.grad)
	if write {
		p.grad = newGrad
	}
}
