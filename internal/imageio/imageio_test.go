package imageio

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/23skdu/longbow-stipple/internal/tensor"
)

func solid(w, h int, c color.RGBA) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestToRGBATruncatesAndClamps(t *testing.T) {
	// one 1x3 sample: R plane, G plane, B plane
	px, _ := tensor.FromData([]float64{
		0.5, 1.2, -0.1,
		0.999, 0, 0.25,
		1, 0.1, 0.003,
	}, 1, 3, 1, 3)

	img, err := ToRGBA(px, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []color.RGBA{
		{R: 127, G: 254, B: 255, A: 255},
		{R: 255, G: 0, B: 25, A: 255},
		{R: 0, G: 63, B: 0, A: 255},
	}
	for x, w := range want {
		if got := img.RGBAAt(x, 0); got != w {
			t.Errorf("pixel %d = %v, want %v", x, got, w)
		}
	}

	if _, err := ToRGBA(tensor.New(1, 4, 2, 2), 0); err == nil {
		t.Error("expected error for 4-channel tensor")
	}
	if _, err := ToRGBA(px, 1); err == nil {
		t.Error("expected error for out of range sample")
	}
}

func TestFromImageRoundTrip(t *testing.T) {
	img := solid(3, 2, color.RGBA{R: 255, G: 0, B: 51, A: 255})
	px := FromImage(img)
	if diff := cmp.Diff([]int{1, 3, 2, 3}, px.Shape); diff != "" {
		t.Fatalf("shape (-want +got):\n%s", diff)
	}
	back, err := ToRGBA(px, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := back.RGBAAt(2, 1); got != (color.RGBA{R: 255, G: 0, B: 51, A: 255}) {
		t.Errorf("round trip pixel = %v", got)
	}
}

func TestResizeKeepsConstantImages(t *testing.T) {
	px := tensor.New(2, 3, 4, 4)
	for i := range px.Data {
		px.Data[i] = 0.5
	}
	out, err := Resize(px, 16, 8)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{2, 3, 16, 8}, out.Shape); diff != "" {
		t.Fatalf("shape (-want +got):\n%s", diff)
	}
	for i, v := range out.Data {
		if v < 0.499 || v > 0.501 {
			t.Fatalf("value %d = %v, want ~0.5", i, v)
		}
	}
}

func TestGridGeometry(t *testing.T) {
	tests := []struct {
		name         string
		n, nrow      int
		wantW, wantH int
	}{
		// make_grid: xmaps = min(nrow, n), ymaps = ceil(n / xmaps)
		{"single", 1, 4, 10 + 4, 6 + 4},
		{"full row", 3, 3, 3*12 + 2, 6 + 4},
		{"two rows", 5, 3, 3*12 + 2, 2*8 + 2},
		{"column", 3, 1, 12 + 2, 3*8 + 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			imgs := make([]image.Image, tt.n)
			for i := range imgs {
				imgs[i] = solid(10, 6, color.RGBA{R: 200, A: 255})
			}
			g, err := Grid(imgs, tt.nrow, 2)
			if err != nil {
				t.Fatal(err)
			}
			if s := g.Bounds().Size(); s.X != tt.wantW || s.Y != tt.wantH {
				t.Errorf("size = %v, want %dx%d", s, tt.wantW, tt.wantH)
			}
			if c := g.RGBAAt(0, 0); c.R != 0 {
				t.Errorf("padding pixel = %v, want black", c)
			}
			if c := g.RGBAAt(2, 2); c.R != 200 {
				t.Errorf("first tile pixel = %v", c)
			}
		})
	}
}

func TestGridRejectsMixedSizes(t *testing.T) {
	imgs := []image.Image{solid(2, 2, color.RGBA{}), solid(3, 2, color.RGBA{})}
	if _, err := Grid(imgs, 2, 2); err == nil {
		t.Error("expected error for mixed sizes")
	}
	if _, err := Grid(nil, 2, 2); err == nil {
		t.Error("expected error for empty grid")
	}
}

func TestSaveSamplesNumbering(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "samples")
	imgs := []image.Image{solid(2, 2, color.RGBA{A: 255}), solid(2, 2, color.RGBA{A: 255}), solid(2, 2, color.RGBA{A: 255})}

	paths, err := SaveSamples(context.Background(), dir, 7, imgs, 2)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		filepath.Join(dir, "00007.png"),
		filepath.Join(dir, "00008.png"),
		filepath.Join(dir, "00009.png"),
	}
	if diff := cmp.Diff(want, paths); diff != "" {
		t.Errorf("paths (-want +got):\n%s", diff)
	}

	n, err := CountEntries(dir)
	if err != nil || n != 3 {
		t.Errorf("CountEntries = %d, %v", n, err)
	}
	if n, _ := CountEntries(filepath.Join(dir, "missing")); n != 0 {
		t.Errorf("CountEntries(missing) = %d", n)
	}

	f, err := os.Open(paths[1])
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := png.Decode(f); err != nil {
		t.Errorf("written file is not a PNG: %v", err)
	}
}

func TestSaveGrid(t *testing.T) {
	dir := t.TempDir()
	path, err := SaveGrid(dir, 3, solid(4, 4, color.RGBA{A: 255}))
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "grid-0003.png" {
		t.Errorf("path = %s", path)
	}
}

func TestPlaceholder(t *testing.T) {
	p := Placeholder(64, 32)
	if s := p.Bounds().Size(); s.X != 64 || s.Y != 32 {
		t.Errorf("size = %v", s)
	}
	if p.RGBAAt(0, 0) == p.RGBAAt(4, 0) {
		t.Error("placeholder should be patterned")
	}
}
