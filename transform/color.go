// Package transform performs color conversion and resize off the codec
// threads. A shared worker pool drains a bounded job queue; an optional
// accelerator (CUDA on NVIDIA, Metal on VideoToolbox) is tried first and
// falls back to the CPU paths here on any failure.
package transform

import (
	"fmt"

	"github.com/Sanzentyo/video-hw/media"
)

// NV12ToRGB converts an NV12 frame to packed RGB24 or RGBA8 using the
// integer BT.601 limited-range coefficients.
func NV12ToRGB(f media.DecodedFrame, color media.ColorRequest) (media.DecodedFrame, error) {
	if f.Kind != media.DecodedNV12 {
		return media.DecodedFrame{}, fmt.Errorf("%w: NV12ToRGB input is %s", media.ErrInvalidInput, f.Kind)
	}
	width, height := f.Dims.Width, f.Dims.Height
	pitch := f.Pitch
	if pitch < width {
		pitch = width
	}
	if !f.Dims.Valid() {
		return media.DecodedFrame{}, fmt.Errorf("%w: nv12 frame dimensions must be positive", media.ErrInvalidInput)
	}
	lumaSize := pitch * height
	if len(f.Data) < lumaSize+lumaSize/2 {
		return media.DecodedFrame{}, fmt.Errorf("%w: nv12 data is smaller than expected", media.ErrInvalidInput)
	}

	bpp := 3
	kind := media.DecodedRGB24
	if color == media.ColorRGBA8 {
		bpp = 4
		kind = media.DecodedRGBA8
	}

	uvBase := lumaSize
	out := make([]byte, width*height*bpp)
	for y := 0; y < height; y++ {
		yRow := y * pitch
		uvRow := uvBase + (y/2)*pitch
		dstRow := y * width * bpp
		for x := 0; x < width; x++ {
			yv := int(f.Data[yRow+x])
			uvIndex := uvRow + (x &^ 1)
			uv := int(f.Data[uvIndex])
			vv := int(f.Data[uvIndex+1])

			c := yv - 16
			if c < 0 {
				c = 0
			}
			d := uv - 128
			e := vv - 128
			r := clipU8((298*c + 409*e + 128) >> 8)
			g := clipU8((298*c - 100*d - 208*e + 128) >> 8)
			b := clipU8((298*c + 516*d + 128) >> 8)

			dst := dstRow + x*bpp
			out[dst] = r
			out[dst+1] = g
			out[dst+2] = b
			if bpp == 4 {
				out[dst+3] = 255
			}
		}
	}

	return media.DecodedFrame{
		Kind: kind,
		Dims: f.Dims,
		PTS:  f.PTS,
		Data: out,
	}, nil
}

// ResizeNearest scales a pixel-carrying frame to dims with nearest-neighbor
// sampling. Metadata frames only have their reported dimensions adjusted.
func ResizeNearest(f media.DecodedFrame, dims media.Dimensions) (media.DecodedFrame, error) {
	if !dims.Valid() {
		return media.DecodedFrame{}, fmt.Errorf("%w: resize dimensions must be positive", media.ErrInvalidInput)
	}
	switch f.Kind {
	case media.DecodedMetadata:
		f.Dims = dims
		return f, nil
	case media.DecodedRGB24:
		return resizePacked(f, dims, 3)
	case media.DecodedRGBA8:
		return resizePacked(f, dims, 4)
	case media.DecodedNV12:
		return resizeNV12(f, dims)
	default:
		return media.DecodedFrame{}, fmt.Errorf("%w: cannot resize %s frame", media.ErrInvalidInput, f.Kind)
	}
}

func resizePacked(f media.DecodedFrame, dims media.Dimensions, bpp int) (media.DecodedFrame, error) {
	sw, sh := f.Dims.Width, f.Dims.Height
	if len(f.Data) < sw*sh*bpp {
		return media.DecodedFrame{}, fmt.Errorf("%w: pixel payload is smaller than expected", media.ErrInvalidInput)
	}
	out := make([]byte, dims.Width*dims.Height*bpp)
	for y := 0; y < dims.Height; y++ {
		sy := y * sh / dims.Height
		srcRow := sy * sw * bpp
		dstRow := y * dims.Width * bpp
		for x := 0; x < dims.Width; x++ {
			sx := x * sw / dims.Width
			copy(out[dstRow+x*bpp:dstRow+(x+1)*bpp], f.Data[srcRow+sx*bpp:srcRow+sx*bpp+bpp])
		}
	}
	f.Dims = dims
	f.Data = out
	return f, nil
}

func resizeNV12(f media.DecodedFrame, dims media.Dimensions) (media.DecodedFrame, error) {
	sw, sh := f.Dims.Width, f.Dims.Height
	pitch := f.Pitch
	if pitch < sw {
		pitch = sw
	}
	lumaSize := pitch * sh
	if len(f.Data) < lumaSize+lumaSize/2 {
		return media.DecodedFrame{}, fmt.Errorf("%w: nv12 data is smaller than expected", media.ErrInvalidInput)
	}

	dw, dh := dims.Width, dims.Height
	out := make([]byte, dw*dh+dw*dh/2)
	for y := 0; y < dh; y++ {
		sy := y * sh / dh
		for x := 0; x < dw; x++ {
			sx := x * sw / dw
			out[y*dw+x] = f.Data[sy*pitch+sx]
		}
	}
	dstUV := dw * dh
	for y := 0; y < dh/2; y++ {
		sy := y * (sh / 2) / max(dh/2, 1)
		srcRow := lumaSize + sy*pitch
		for x := 0; x < dw/2; x++ {
			sx := (x * (sw / 2) / max(dw/2, 1)) * 2
			out[dstUV+y*dw+x*2] = f.Data[srcRow+sx]
			out[dstUV+y*dw+x*2+1] = f.Data[srcRow+sx+1]
		}
	}

	f.Dims = dims
	f.Pitch = dw
	f.Data = out
	return f, nil
}

func clipU8(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
