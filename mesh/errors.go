package mesh

import "errors"

// Precondition failures. Callers should treat these as input bugs; nothing
// in the package retries after returning one.
var (
	ErrEmptyPointSet     = errors.New("empty point set")
	ErrDimensionMismatch = errors.New("dimension mismatch")
	ErrInvalidK          = errors.New("k out of range")
	ErrInvalidThreshold  = errors.New("threshold outside [0,1]")
	ErrZeroWeightSum     = errors.New("zero weight sum")
	ErrFaceIndex         = errors.New("face index out of range")
	ErrInvalidConfig     = errors.New("invalid config")
	ErrMissingNormal     = errors.New("vertex has no normal")
)
