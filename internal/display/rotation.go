package display

// Rotation is one of the four orientations DisplayCapture can apply to a
// framebuffer grab before JPEG encoding.
type Rotation int

const (
	RotateNone Rotation = 0
	Rotate90   Rotation = 90
	Rotate180  Rotation = 180
	Rotate270  Rotation = 270
)

// rotationByModel is the lookup table spec.md §4.6 defines, keyed by the
// numeric model identifier read from the on-disk display config. Any
// identifier not listed here maps to RotateNone -- spec.md §9 flags this
// as possibly unintentional forward-compatibility in the source, but
// preserves it rather than guessing a stricter behaviour.
var rotationByModel = map[int]Rotation{
	20025: Rotate180,
	20029: Rotate180,
	20026: Rotate270,
	20024: Rotate90,
	20021: Rotate90,
	20027: Rotate90,
}

// RotationForModel looks up the configured rotation for a model
// identifier, defaulting to RotateNone.
func RotationForModel(modelID int) Rotation {
	if r, ok := rotationByModel[modelID]; ok {
		return r
	}
	return RotateNone
}

// SwapsDimensions reports whether this rotation exchanges width and
// height, per spec.md §4.6.
func (r Rotation) SwapsDimensions() bool {
	return r == Rotate90 || r == Rotate270
}
