package training

import "errors"

var (
	// ErrWeightLength reports a class weight vector whose length differs from
	// the configured number of classes.
	ErrWeightLength = errors.New("class weight length does not match number of classes")

	// ErrShapeMismatch reports tensors that must agree in shape but do not.
	// Between teacher and inverted student outputs it means the geometric
	// inversion is misaligned.
	ErrShapeMismatch = errors.New("tensor shape mismatch")

	// ErrParameterMismatch reports teacher and student parameter lists that are
	// not element-wise aligned.
	ErrParameterMismatch = errors.New("teacher and student parameters are not aligned")

	// ErrEmptySource reports a batch source that yields nothing even right
	// after a restart.
	ErrEmptySource = errors.New("batch source is empty")

	// ErrOptimizerType reports optimizer state saved by a different kind of
	// optimizer than the one restoring it.
	ErrOptimizerType = errors.New("optimizer state was saved by a different optimizer")
)
