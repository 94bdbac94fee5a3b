package tensor

import "github.com/9rum/reducer/reducer"

// Factory is the reducer.TensorFactory this package provides.
type Factory struct{}

var _ reducer.TensorFactory = Factory{}

func (Factory) Empty(dtype reducer.DType, device reducer.Device, n int64) reducer.Tensor {
	return &Dense{
		buf:            &storage{floats: make([]float64, n)},
		shape:          []int64{n},
		strides:        []int64{1},
		dtype:          dtype,
		device:         device,
		nonOverlapping: true,
	}
}

func (Factory) ZerosInt32(device reducer.Device, length int64) reducer.Tensor {
	return &Dense{
		buf:            &storage{ints: make([]int64, length)},
		isInt:          true,
		shape:          []int64{length},
		strides:        []int64{1},
		device:         device,
		nonOverlapping: true,
	}
}

func (Factory) Int64Vector(device reducer.Device, data []int64) reducer.Tensor {
	buf := append([]int64(nil), data...)
	return &Dense{
		buf:            &storage{ints: buf},
		isInt:          true,
		shape:          []int64{int64(len(buf))},
		strides:        []int64{1},
		device:         device,
		nonOverlapping: true,
	}
}
