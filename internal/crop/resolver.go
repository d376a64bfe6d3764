// Package crop computes ratio-correct crop rectangles.
package crop

import (
	"errors"
	"image"
	"math"
)

const (
	// ratioEpsilon is how close an image must be to the target ratio to be
	// returned untouched.
	ratioEpsilon = 1e-3

	// ratioTolerance bounds the ratio error of any resolved rectangle.
	ratioTolerance = 1e-2
)

// ErrInvalidGeometry is returned for non-positive image sizes or ratios.
var ErrInvalidGeometry = errors.New("crop: invalid image size or ratio")

// Box is a caller-supplied anchor rectangle in source pixel space.
// X and Y are the top-left corner.
type Box struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Resolve returns the crop rectangle for an image of the given size so that
// the result has the target width/height ratio. Without a box the image is
// center-cropped; with a box the crop is anchored on the box center.
func Resolve(size image.Point, ratio float64, box *Box) (image.Rectangle, error) {
	if size.X <= 0 || size.Y <= 0 || ratio <= 0 || math.IsNaN(ratio) || math.IsInf(ratio, 0) {
		return image.Rectangle{}, ErrInvalidGeometry
	}
	if box == nil {
		return centerCrop(size.X, size.Y, ratio), nil
	}
	return anchoredCrop(size.X, size.Y, ratio, *box), nil
}

// centerCrop shrinks the relatively longer side to match ratio.
func centerCrop(w, h int, ratio float64) image.Rectangle {
	current := float64(w) / float64(h)
	if math.Abs(current-ratio) < ratioEpsilon {
		return image.Rect(0, 0, w, h)
	}

	if current > ratio {
		newW := clamp(int(float64(h)*ratio), 1, w)
		left := (w - newW) / 2
		return image.Rect(left, 0, left+newW, h)
	}

	newH := clamp(int(float64(w)/ratio), 1, h)
	top := (h - newH) / 2
	return image.Rect(0, top, w, top+newH)
}

// anchoredCrop adjusts the box to ratio by shrinking its larger relative
// dimension, re-centers it on the original box center and slides it back
// inside the image.
func anchoredCrop(w, h int, ratio float64, b Box) image.Rectangle {
	// A box that misses the image entirely carries no usable anchor.
	if b.X >= w || b.Y >= h || b.X+b.Width <= 0 || b.Y+b.Height <= 0 {
		return centerCrop(w, h, ratio)
	}

	bw := clamp(b.Width, 1, w)
	bh := clamp(b.Height, 1, h)
	x := clamp(b.X, 0, w-1)
	y := clamp(b.Y, 0, h-1)

	cx := float64(x) + float64(bw)/2
	cy := float64(y) + float64(bh)/2

	if float64(bw)/float64(bh) > ratio {
		bw = clamp(int(math.Round(float64(bh)*ratio)), 1, w)
	} else {
		bh = clamp(int(math.Round(float64(bw)/ratio)), 1, h)
	}

	left := int(math.Round(cx - float64(bw)/2))
	top := int(math.Round(cy - float64(bh)/2))

	// Translate, preserving size, before anything is clamped.
	if left+bw > w {
		left = w - bw
	}
	if top+bh > h {
		top = h - bh
	}
	if left < 0 {
		left = 0
	}
	if top < 0 {
		top = 0
	}

	r := image.Rect(left, top, left+bw, top+bh)
	if !r.In(image.Rect(0, 0, w, h)) || !ratioMatches(r, ratio) {
		return centerCrop(w, h, ratio)
	}
	return r
}

func ratioMatches(r image.Rectangle, ratio float64) bool {
	if r.Dx() < 1 || r.Dy() < 1 {
		return false
	}
	return math.Abs(float64(r.Dx())/float64(r.Dy())-ratio) < ratioTolerance
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
