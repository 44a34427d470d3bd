// Package imageio converts pixel tensors to images and writes them out.
package imageio

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"

	"github.com/23skdu/longbow-stipple/internal/tensor"
)

// ToRGBA converts sample i of a [n, 3, H, W] tensor with values in [0, 1]
// to an image. Values are clamped and scaled by 255 with truncation.
func ToRGBA(t *tensor.Tensor, i int) (*image.RGBA, error) {
	if len(t.Shape) != 4 || t.Shape[1] != 3 {
		return nil, fmt.Errorf("%w: want [n, 3, H, W], got %v", tensor.ErrShapeMismatch, t.Shape)
	}
	if i < 0 || i >= t.Batch() {
		return nil, fmt.Errorf("sample %d out of range for batch %d", i, t.Batch())
	}
	h, w := t.Shape[2], t.Shape[3]
	plane := h * w
	row := t.Row(i)

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p := y*w + x
			img.SetRGBA(x, y, color.RGBA{
				R: to8(row[p]),
				G: to8(row[plane+p]),
				B: to8(row[2*plane+p]),
				A: 0xff,
			})
		}
	}
	return img, nil
}

func to8(v float64) uint8 {
	if math.IsNaN(v) {
		return 0
	}
	return uint8(255 * math.Max(0, math.Min(1, v)))
}

// FromImage converts img into a [1, 3, H, W] tensor in [0, 1].
func FromImage(img image.Image) *tensor.Tensor {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	plane := h * w
	t := tensor.New(1, 3, h, w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			p := y*w + x
			t.Data[p] = float64(r) / 0xffff
			t.Data[plane+p] = float64(g) / 0xffff
			t.Data[2*plane+p] = float64(bl) / 0xffff
		}
	}
	return t
}

// Resize scales every sample of a [n, 3, h, w] tensor in [0, 1] to
// [n, 3, height, width] with Catmull-Rom filtering at 16 bits per channel.
func Resize(t *tensor.Tensor, height, width int) (*tensor.Tensor, error) {
	if len(t.Shape) != 4 || t.Shape[1] != 3 {
		return nil, fmt.Errorf("%w: want [n, 3, H, W], got %v", tensor.ErrShapeMismatch, t.Shape)
	}
	n, h, w := t.Shape[0], t.Shape[2], t.Shape[3]
	out := tensor.New(n, 3, height, width)
	plane := h * w
	outPlane := height * width

	for i := 0; i < n; i++ {
		src := image.NewRGBA64(image.Rect(0, 0, w, h))
		row := t.Row(i)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				p := y*w + x
				src.SetRGBA64(x, y, color.RGBA64{
					R: to16(row[p]),
					G: to16(row[plane+p]),
					B: to16(row[2*plane+p]),
					A: 0xffff,
				})
			}
		}

		dst := image.NewRGBA64(image.Rect(0, 0, width, height))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

		orow := out.Row(i)
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				c := dst.RGBA64At(x, y)
				p := y*width + x
				orow[p] = float64(c.R) / 0xffff
				orow[outPlane+p] = float64(c.G) / 0xffff
				orow[2*outPlane+p] = float64(c.B) / 0xffff
			}
		}
	}
	return out, nil
}

func to16(v float64) uint16 {
	if math.IsNaN(v) {
		return 0
	}
	return uint16(0xffff * math.Max(0, math.Min(1, v)))
}

// Placeholder is the image substituted for a flagged sample.
func Placeholder(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	cell := max(1, min(width, height)/8)
	dark := color.RGBA{R: 0x30, G: 0x30, B: 0x30, A: 0xff}
	light := color.RGBA{R: 0x90, G: 0x90, B: 0x90, A: 0xff}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if (x/cell+y/cell)%2 == 0 {
				img.SetRGBA(x, y, dark)
			} else {
				img.SetRGBA(x, y, light)
			}
		}
	}
	return img
}

// Grid tiles images like torchvision's make_grid: nrow images per row,
// padding pixels of black around and between tiles. All images must share
// the size of the first.
func Grid(images []image.Image, nrow, padding int) (*image.RGBA, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("grid needs at least one image")
	}
	if nrow < 1 {
		return nil, fmt.Errorf("grid needs at least one image per row, got %d", nrow)
	}
	size := images[0].Bounds().Size()
	for i, img := range images {
		if img.Bounds().Size() != size {
			return nil, fmt.Errorf("%w: image %d is %v, want %v", tensor.ErrShapeMismatch, i, img.Bounds().Size(), size)
		}
	}

	xmaps := min(nrow, len(images))
	ymaps := (len(images) + xmaps - 1) / xmaps
	cellW, cellH := size.X+padding, size.Y+padding

	grid := image.NewRGBA(image.Rect(0, 0, xmaps*cellW+padding, ymaps*cellH+padding))
	draw.Draw(grid, grid.Bounds(), image.NewUniform(color.RGBA{A: 0xff}), image.Point{}, draw.Src)
	for k, img := range images {
		x, y := k%xmaps, k/xmaps
		at := image.Pt(x*cellW+padding, y*cellH+padding)
		draw.Draw(grid, image.Rectangle{Min: at, Max: at.Add(size)}, img, img.Bounds().Min, draw.Src)
	}
	return grid, nil
}
