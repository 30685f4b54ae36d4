package canvas

import "errors"

// ErrOutOfBounds is returned when a coordinate falls outside the canvas grid
var ErrOutOfBounds = errors.New("coordinate out of bounds")

// ErrBadDimensions is returned when canvas dimensions are not positive or exceed MaxDim
var ErrBadDimensions = errors.New("bad canvas dimensions")
