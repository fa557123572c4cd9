package domain

import "errors"

// Error taxonomy shared by every SplitGuard component.
// Callers match with errors.Is; producers wrap with fmt.Errorf("%w: ...").
var (
	// ErrNotFitted is returned when a normalizer is used before Fit.
	ErrNotFitted = errors.New("normalizer not fitted")

	// ErrNotTrained is returned when a model predicts before Train or Load.
	ErrNotTrained = errors.New("model not trained")

	// ErrRegistryCorruption is returned when a persisted version is missing
	// its artifact or metadata, or when the two disagree.
	ErrRegistryCorruption = errors.New("registry corruption")

	// ErrInvalidConfiguration covers bad weights, thresholds and unknown entity types.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrTrainingFailure wraps any error raised inside a training job stage.
	ErrTrainingFailure = errors.New("training failure")

	// ErrUnavailable is returned when a model backend cannot be constructed.
	ErrUnavailable = errors.New("backend unavailable")

	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)
