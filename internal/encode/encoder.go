package encode

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"deskpilot/internal/types"

	"github.com/disintegration/imaging"
)

// Encoder is a software FrameEncoder producing still-image payloads.
// It holds no per-frame state and is safe for concurrent use.
type Encoder struct {
	format       types.ImageFormat
	jpegQuality  int
	targetWidth  int
	targetHeight int
	png          *png.Encoder
}

// New resolves cfg's format and quality into an encoder.
func New(cfg types.CaptureConfig) (*Encoder, error) {
	format := cfg.Format
	if format == "" {
		format = types.FormatPNG
	}
	switch format {
	case types.FormatPNG, types.FormatJPEG, types.FormatRawZstd, types.FormatRawLZ4:
	default:
		return nil, fmt.Errorf("unsupported image format %q", format)
	}

	q := cfg.JPEGQuality
	if q == 0 {
		q = JPEGQuality(cfg.Quality)
	}
	if q < 1 || q > 100 {
		return nil, fmt.Errorf("jpeg quality %d out of range 1..100", q)
	}
	if cfg.TargetWidth < 0 || cfg.TargetHeight < 0 {
		return nil, fmt.Errorf("negative target size %dx%d", cfg.TargetWidth, cfg.TargetHeight)
	}

	return &Encoder{
		format:       format,
		jpegQuality:  q,
		targetWidth:  cfg.TargetWidth,
		targetHeight: cfg.TargetHeight,
		png:          &png.Encoder{CompressionLevel: png.BestSpeed},
	}, nil
}

func (e *Encoder) Format() types.ImageFormat { return e.format }

// Encode compresses frame. The frame is not modified.
func (e *Encoder) Encode(frame *types.RawFrame) (*types.EncodedFrame, error) {
	if frame.Empty() {
		return nil, fmt.Errorf("encode: empty frame")
	}
	rgba, err := ToImage(frame)
	if err != nil {
		return nil, err
	}
	var img image.Image = rgba
	if e.targetWidth > 0 || e.targetHeight > 0 {
		img = imaging.Resize(img, e.targetWidth, e.targetHeight, imaging.Linear)
	}
	b := img.Bounds()

	var data []byte
	switch e.format {
	case types.FormatPNG:
		var buf bytes.Buffer
		if err := e.png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("png encode: %w", err)
		}
		data = buf.Bytes()
	case types.FormatJPEG:
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.jpegQuality}); err != nil {
			return nil, fmt.Errorf("jpeg encode: %w", err)
		}
		data = buf.Bytes()
	case types.FormatRawZstd:
		data = compressZstd(packedRGBA(img))
	case types.FormatRawLZ4:
		data, err = compressLZ4(packedRGBA(img))
		if err != nil {
			return nil, err
		}
	}

	return &types.EncodedFrame{
		Format:    e.format,
		Data:      data,
		Width:     b.Dx(),
		Height:    b.Dy(),
		Timestamp: frame.Timestamp,
		Sequence:  frame.Sequence,
	}, nil
}

// Decode reverses Encode for any supported format.
func Decode(f *types.EncodedFrame) (image.Image, error) {
	switch f.Format {
	case types.FormatPNG:
		return png.Decode(bytes.NewReader(f.Data))
	case types.FormatJPEG:
		return jpeg.Decode(bytes.NewReader(f.Data))
	case types.FormatRawZstd, types.FormatRawLZ4:
		size := f.Width * f.Height * 4
		var pix []byte
		var err error
		if f.Format == types.FormatRawZstd {
			pix, err = decompressZstd(f.Data, size)
		} else {
			pix, err = decompressLZ4(f.Data, size)
		}
		if err != nil {
			return nil, err
		}
		return &image.RGBA{Pix: pix, Stride: f.Width * 4, Rect: image.Rect(0, 0, f.Width, f.Height)}, nil
	}
	return nil, fmt.Errorf("unsupported image format %q", f.Format)
}

func packedRGBA(img image.Image) []byte {
	switch m := img.(type) {
	case *image.RGBA:
		if m.Stride == m.Rect.Dx()*4 {
			return m.Pix
		}
	case *image.NRGBA:
		// Captures are opaque, so NRGBA and RGBA share a byte layout.
		if m.Stride == m.Rect.Dx()*4 {
			return m.Pix
		}
	}
	return imaging.Clone(img).Pix
}
