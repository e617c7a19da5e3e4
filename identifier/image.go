package identifier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lewtec/plantid/internal/domain"
	"github.com/lewtec/plantid/internal/selector"
)

// SelectImageFile loads an image from disk through sel, with the same
// checks as an upload
func SelectImageFile(ctx context.Context, sel *selector.Selector, filename string) (*domain.CapturedImage, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if stat.IsDir() {
		return nil, fmt.Errorf("while checking if item '%s' is a file: it is a directory", filename)
	}
	return sel.FromFile(ctx, filepath.Base(filename), f, stat.Size())
}
