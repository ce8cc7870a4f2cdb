package encode

import (
	"fmt"
	"image"

	"deskpilot/internal/types"
)

// ToImage converts a raw frame to an RGBA image with opaque alpha.
func ToImage(f *types.RawFrame) (*image.RGBA, error) {
	stride := f.Stride
	if stride == 0 {
		stride = f.Width * 4
	}
	if stride < f.Width*4 || len(f.Data) < stride*(f.Height-1)+f.Width*4 {
		return nil, fmt.Errorf("frame buffer too small: %d bytes for %dx%d stride %d",
			len(f.Data), f.Width, f.Height, stride)
	}

	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		src := f.Data[y*stride : y*stride+f.Width*4]
		dst := img.Pix[y*img.Stride : y*img.Stride+f.Width*4]
		switch f.PixFmt {
		case types.PixFmtBGRA:
			for x := 0; x < len(src); x += 4 {
				dst[x+0] = src[x+2]
				dst[x+1] = src[x+1]
				dst[x+2] = src[x+0]
				dst[x+3] = 255
			}
		case types.PixFmtRGBA:
			copy(dst, src)
			for x := 3; x < len(dst); x += 4 {
				dst[x] = 255
			}
		default:
			return nil, fmt.Errorf("unsupported pixel format %s", f.PixFmt)
		}
	}
	return img, nil
}

// FromImage copies img into an owned BGRA raw frame.
func FromImage(img image.Image) *types.RawFrame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	data := make([]byte, w*h*4)

	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < h; y++ {
			src := rgba.Pix[(y)*rgba.Stride : y*rgba.Stride+w*4]
			dst := data[y*w*4 : (y+1)*w*4]
			for x := 0; x < len(src); x += 4 {
				dst[x+0] = src[x+2]
				dst[x+1] = src[x+1]
				dst[x+2] = src[x+0]
				dst[x+3] = 255
			}
		}
	} else {
		i := 0
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				r, g, bl, _ := img.At(x, y).RGBA()
				data[i+0] = byte(bl >> 8)
				data[i+1] = byte(g >> 8)
				data[i+2] = byte(r >> 8)
				data[i+3] = 255
				i += 4
			}
		}
	}

	return &types.RawFrame{
		Data:   data,
		Width:  w,
		Height: h,
		Stride: w * 4,
		PixFmt: types.PixFmtBGRA,
	}
}

// Crop copies region r out of f. r must lie inside the frame.
func Crop(f *types.RawFrame, r types.Region) (*types.RawFrame, error) {
	if r.Empty() {
		return nil, fmt.Errorf("empty crop region %dx%d", r.Width, r.Height)
	}
	if r.X < 0 || r.Y < 0 || r.X+r.Width > f.Width || r.Y+r.Height > f.Height {
		return nil, fmt.Errorf("crop region %dx%d+%d+%d outside %dx%d frame",
			r.Width, r.Height, r.X, r.Y, f.Width, f.Height)
	}
	stride := f.Stride
	if stride == 0 {
		stride = f.Width * 4
	}
	out := make([]byte, r.Width*r.Height*4)
	for y := 0; y < r.Height; y++ {
		src := f.Data[(r.Y+y)*stride+r.X*4:]
		copy(out[y*r.Width*4:(y+1)*r.Width*4], src[:r.Width*4])
	}
	return &types.RawFrame{
		Data:      out,
		Width:     r.Width,
		Height:    r.Height,
		Stride:    r.Width * 4,
		PixFmt:    f.PixFmt,
		Timestamp: f.Timestamp,
		Sequence:  f.Sequence,
	}, nil
}
