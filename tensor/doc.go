// Package tensor is a small pure-Go tensor implementation that exercises
// the reducer package's Tensor, Variable and TensorFactory interfaces
// without pulling in a full array-compute engine. The gRPC process group
// in the pg package reads and writes Dense float storage through Floats.
package tensor
