package dwi

import "errors"

// Errors raised while classifying and merging diffusion candidates. All of
// them abort preparation of the session.
var (
	ErrIncompleteSidecar         = errors.New("incomplete sidecar: PhaseEncodingDirection or PhaseEncodingAxis is not defined")
	ErrUnsupportedRank           = errors.New("diffusion image is not 3D/4D")
	ErrNoDiffusionFiles          = errors.New("no diffusion files found")
	ErrUnsupportedMultiDirection = errors.New("more than 2 phase encoding directions found")
	ErrNoGradientTable           = errors.New("diffusion file has no bval/bvec pair")
)
