package dataset

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rpggio/imgclass/internal/imaging"
	"golang.org/x/sync/errgroup"
)

const scanConcurrency = 8

// Scan derives class partitions from the directory tree at root: every
// non-hidden sub-directory is a class, counted by the recognized image
// files it directly contains.
func Scan(ctx context.Context, root string) (map[string]int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]int{}, nil
		}
		return nil, fmt.Errorf("read dataset root: %w", err)
	}

	var (
		mu     sync.Mutex
		counts = make(map[string]int)
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrency)
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		class := e.Name()
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, err := countImages(filepath.Join(root, class))
			if err != nil {
				return err
			}
			mu.Lock()
			counts[class] = n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return counts, nil
}

func countImages(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read class dir: %w", err)
	}
	n := 0
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if imaging.IsImage(e.Name()) {
			n++
		}
	}
	return n, nil
}
