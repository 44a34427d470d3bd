package imageio

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-stipple/internal/metrics"
)

// WritePNG encodes img to path.
func WritePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

// CountEntries returns the number of directory entries in dir, or 0 when it
// does not exist.
func CountEntries(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// SampleName is the file name of the n-th sample.
func SampleName(n int) string { return fmt.Sprintf("%05d.png", n) }

// GridName is the file name of the n-th grid.
func GridName(n int) string { return fmt.Sprintf("grid-%04d.png", n) }

// SaveSamples writes images to dir as consecutively numbered PNGs starting
// at first. Names are fixed before encoding starts; encoding runs on up to
// limit goroutines (GOMAXPROCS when limit < 1). It returns the paths in
// input order.
func SaveSamples(ctx context.Context, dir string, first int, images []image.Image, limit int) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = runtime.GOMAXPROCS(0)
	}

	paths := make([]string, len(images))
	for i := range images {
		paths[i] = filepath.Join(dir, SampleName(first+i))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, img := range images {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return WritePNG(paths[i], img)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	metrics.RecordImagesWritten("sample", len(images))
	return paths, nil
}

// SaveGrid writes a grid image as grid-%04d.png in dir.
func SaveGrid(dir string, n int, grid image.Image) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, GridName(n))
	if err := WritePNG(path, grid); err != nil {
		return "", err
	}
	metrics.RecordImagesWritten("grid", 1)
	return path, nil
}
