package sim

import (
	"errors"
	"fmt"
	"image"

	"github.com/anthonynsimon/bild/transform"

	"coiltrain/internal/model"
)

var ErrImageCut = errors.New("image cut outside source image")

// Params exposes the simulation preprocessing constants read-only to the
// runtime adapter.
type Params struct {
	p model.SimulationParams
}

func NewParams(p model.SimulationParams) Params {
	return Params{p: p}
}

func (p Params) ImageCut() (top, bottom int) { return p.p.ImageCut[0], p.p.ImageCut[1] }
func (p Params) UseOracle() bool { return p.p.UseOracle }
func (p Params) UseFullOracle() bool { return p.p.UseFullOracle }
func (p Params) AvoidStopping() bool { return p.p.AvoidStopping }

// CheckImageHeight verifies the crop window against the real frame height.
// The window is never clipped to fit.
func (p Params) CheckImageHeight(height int) error {
	top, bottom := p.ImageCut()
	if top < 0 || top >= bottom {
		return fmt.Errorf("%w: invalid window [%d, %d)", ErrImageCut, top, bottom)
	}
	if bottom > height {
		return fmt.Errorf("%w: window [%d, %d) exceeds image height %d", ErrImageCut, top, bottom, height)
	}
	return nil
}

// Crop keeps rows [top, bottom) of img at full width.
func (p Params) Crop(img image.Image) (*image.RGBA, error) {
	bounds := img.Bounds()
	if err := p.CheckImageHeight(bounds.Dy()); err != nil {
		return nil, err
	}
	top, bottom := p.ImageCut()
	rect := image.Rect(bounds.Min.X, bounds.Min.Y+top, bounds.Max.X, bounds.Min.Y+bottom)
	return transform.Crop(img, rect), nil
}

// Preprocess crops img to the configured window and, when width and height
// are positive, resamples the result to the network input size.
func (p Params) Preprocess(img image.Image, width, height int) (*image.RGBA, error) {
	cropped, err := p.Crop(img)
	if err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return cropped, nil
	}
	return transform.Resize(cropped, width, height, transform.Linear), nil
}
