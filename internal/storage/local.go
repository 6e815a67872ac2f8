package storage

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"
)

// OpenLocalImage describes an image already on disk. Its modification time stands in for
// the browser's lastModified, so re-running the same files hits the analysis cache.
func OpenLocalImage(path string, maxBytes int64) (Upload, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Upload{}, err
	}
	if info.IsDir() {
		return Upload{}, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() == 0 {
		return Upload{}, fmt.Errorf("%s is empty", path)
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return Upload{}, fmt.Errorf("%s: %w", path, ErrTooLarge)
	}
	mt := normalizeMime(mime.TypeByExtension(filepath.Ext(path)))
	if !isAllowedImageMime(mt) {
		return Upload{}, fmt.Errorf("%s: unsupported image type %q", path, mt)
	}
	return Upload{
		Name:         filepath.Base(path),
		MIME:         mt,
		Size:         info.Size(),
		LastModified: info.ModTime().Truncate(time.Millisecond).UTC(),
		Path:         path,
	}, nil
}
