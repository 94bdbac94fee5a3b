package reducer

import "errors"

// Sentinel errors a caller can match with errors.Is. Messages carry the
// actionable detail; these identify the category.
var (
	// ErrFinalizeRequired is returned by PrepareForBackward when the
	// previous iteration never kicked off every bucket's reduction -
	// almost always an unused parameter that find_unused_parameters
	// wasn't told about, or a forward output the Reducer couldn't trace.
	ErrFinalizeRequired = errors.New("reducer: reduction did not finish in the previous iteration")

	// ErrVariableAlreadyReady is returned when a variable is marked
	// ready twice in the same iteration outside the one legal path: a
	// parameter that was pre-marked as globally unused and later turns
	// out to be part of the graph after all.
	ErrVariableAlreadyReady = errors.New("reducer: variable marked ready more than once in this iteration")

	// ErrOutOfRangeIndex is returned when a VariableIndex names a
	// replica or variable outside the bounds fixed at construction.
	ErrOutOfRangeIndex = errors.New("reducer: variable index out of range")

	// ErrBucketLayoutMismatch names the category of dtype/device/numel
	// disagreements between a gradient and its bucket view. No function
	// in this package returns it: markVariableReadyDense copies a
	// gradient into its view without comparing dtype, device or numel.
	ErrBucketLayoutMismatch = errors.New("reducer: gradient does not match its bucket view")
)
