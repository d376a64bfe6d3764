package processor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"regexp"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	_ "golang.org/x/image/webp" // register the webp decoder for uploads

	"github.com/aliskhannn/photo-pipeline/internal/crop"
)

var (
	// ErrImageTooSmall is returned by Ingest for images below the minimum size.
	ErrImageTooSmall = errors.New("image too small")

	// ErrNoBackground is returned by Composite when neither a background image
	// nor a color was supplied.
	ErrNoBackground = errors.New("background image or color is required")

	hexColor = regexp.MustCompile(`^#?([0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)
)

// Config holds tunables for ingest validation and the fallback normalization
// applied before resubmitting an image to the background removal provider.
type Config struct {
	MinWidth  int `mapstructure:"min_width"`
	MinHeight int `mapstructure:"min_height"`

	FallbackLongEdge int     `mapstructure:"fallback_long_edge"` // images smaller than this are upscaled
	FallbackSharpen  float64 `mapstructure:"fallback_sharpen"`   // sharpen sigma
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MinWidth:         512,
		MinHeight:        512,
		FallbackLongEdge: 1024,
		FallbackSharpen:  1.0,
	}
}

// Background is the backdrop used by Composite. Data takes precedence over
// Color when both are set.
type Background struct {
	Data  []byte
	Color string // hex, e.g. "#f5f5f5"
}

// Processor executes the local image operations of the pipeline: canonical
// re-encoding, fallback normalization, preset cropping and compositing.
// It holds no per-call state and is safe for concurrent use.
type Processor struct {
	cfg Config
}

// New creates a new Processor with the given configuration.
func New(cfg Config) *Processor {
	return &Processor{cfg: cfg}
}

// Ingest validates an uploaded image and re-encodes it as an RGBA PNG.
func (p *Processor) Ingest(data []byte) ([]byte, error) {
	img, err := decode(data)
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	if b.Dx() < p.cfg.MinWidth || b.Dy() < p.cfg.MinHeight {
		return nil, fmt.Errorf("%w: %dx%d, minimum is %dx%d",
			ErrImageTooSmall, b.Dx(), b.Dy(), p.cfg.MinWidth, p.cfg.MinHeight)
	}

	return encodePNG(imaging.Clone(img))
}

// Prepare re-encodes an image so the subject is easier to detect: small
// images are upscaled to the configured long edge, the contrast is stretched
// to the full range and the result is sharpened.
func (p *Processor) Prepare(data []byte) ([]byte, error) {
	img, err := decode(data)
	if err != nil {
		return nil, err
	}

	out := imaging.Clone(img)

	w, h := out.Bounds().Dx(), out.Bounds().Dy()
	long := max(w, h)
	if floor := p.cfg.FallbackLongEdge; floor > 0 && long < floor {
		scale := float64(floor) / float64(long)
		out = imaging.Resize(out, int(float64(w)*scale+0.5), int(float64(h)*scale+0.5), imaging.Lanczos)
	}

	out = autoContrast(out)

	if p.cfg.FallbackSharpen > 0 {
		out = imaging.Sharpen(out, p.cfg.FallbackSharpen)
	}

	return encodePNG(out)
}

// CropToPreset crops the image to the preset ratio, anchored on box when one
// is given, and scales the region to the preset's exact pixel size.
func (p *Processor) CropToPreset(data []byte, preset crop.Preset, box *crop.Box) ([]byte, error) {
	img, err := decode(data)
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	rect, err := crop.Resolve(b.Size(), preset.Ratio, box)
	if err != nil {
		return nil, err
	}

	cropped := imaging.Crop(img, rect.Add(b.Min))
	resized := imaging.Resize(cropped, preset.Width, preset.Height, imaging.Lanczos)

	return encodePNG(resized)
}

// Composite places the foreground over the background. The foreground is
// blended through mask when one is given, otherwise through its own alpha.
// The output has the foreground's size.
func (p *Processor) Composite(foreground, mask []byte, bg Background) ([]byte, error) {
	fg, err := decode(foreground)
	if err != nil {
		return nil, fmt.Errorf("foreground: %w", err)
	}
	w, h := fg.Bounds().Dx(), fg.Bounds().Dy()

	dc := gg.NewContext(w, h)

	switch {
	case len(bg.Data) > 0:
		bgImg, err := decode(bg.Data)
		if err != nil {
			return nil, fmt.Errorf("background: %w", err)
		}
		dc.DrawImage(imaging.Fill(bgImg, w, h, imaging.Center, imaging.Lanczos), 0, 0)
	case bg.Color != "":
		if !hexColor.MatchString(bg.Color) {
			return nil, fmt.Errorf("invalid background color %q", bg.Color)
		}
		dc.SetHexColor(bg.Color)
		dc.Clear()
	default:
		return nil, ErrNoBackground
	}

	if len(mask) > 0 {
		m, err := decode(mask)
		if err != nil {
			return nil, fmt.Errorf("mask: %w", err)
		}
		if err := dc.SetMask(toAlpha(imaging.Resize(m, w, h, imaging.Lanczos))); err != nil {
			return nil, fmt.Errorf("failed to apply mask: %w", err)
		}
	}

	dc.DrawImage(imaging.Clone(fg), 0, 0)

	return encodePNG(dc.Image())
}

func decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, errors.New("empty image")
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

func encodePNG(img image.Image) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := imaging.Encode(buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// autoContrast stretches each color channel so its darkest and brightest
// visible values map to 0 and 255.
func autoContrast(img *image.NRGBA) *image.NRGBA {
	lo := [3]uint8{255, 255, 255}
	hi := [3]uint8{}
	for i := 0; i+3 < len(img.Pix); i += 4 {
		if img.Pix[i+3] == 0 {
			continue
		}
		for c := 0; c < 3; c++ {
			v := img.Pix[i+c]
			lo[c] = min(lo[c], v)
			hi[c] = max(hi[c], v)
		}
	}

	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		c.R = stretch(c.R, lo[0], hi[0])
		c.G = stretch(c.G, lo[1], hi[1])
		c.B = stretch(c.B, lo[2], hi[2])
		return c
	})
}

func stretch(v, lo, hi uint8) uint8 {
	if hi <= lo {
		return v
	}
	if v <= lo {
		return 0
	}
	if v >= hi {
		return 255
	}
	return uint8((int(v) - int(lo)) * 255 / (int(hi) - int(lo)))
}

// toAlpha converts a grayscale mask into an alpha mask: white keeps the
// foreground, black shows the background.
func toAlpha(img image.Image) *image.Alpha {
	b := img.Bounds()
	out := image.NewAlpha(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			g := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
			out.SetAlpha(x, y, color.Alpha{A: g.Y})
		}
	}
	return out
}
