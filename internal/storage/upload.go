package storage

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jo-hoe/compositor/internal/common"
	"github.com/jo-hoe/compositor/internal/pipeline"
)

// ErrTooLarge is returned when an upload exceeds the per-file limit.
var ErrTooLarge = errors.New("upload exceeds size limit")

// Uploader handles storing run inputs on disk until the run finishes.
type Uploader struct {
	baseDir string
}

var allowedImageMimes = map[string]string{
	common.MimeImagePNG:  ".png",
	common.MimeImageJPEG: ".jpg",
	common.MimeImageJPG:  ".jpg",
}

// Upload is one spooled input file. Name, Size and LastModified are the client's identity for it.
type Upload struct {
	Name         string
	MIME         string
	Size         int64
	LastModified time.Time
	Path         string
}

// Input reads the spooled file back as a pipeline input.
func (u Upload) Input() (pipeline.Input, error) {
	b, err := os.ReadFile(u.Path)
	if err != nil {
		return pipeline.Input{}, fmt.Errorf("read upload %s: %w", u.Name, err)
	}
	return pipeline.Input{Name: u.Name, Size: u.Size, LastModified: u.LastModified, MIME: u.MIME, Data: b}, nil
}

// NewUploader creates an uploader that stores to baseDir/uploads.
func NewUploader(baseDir string) *Uploader {
	return &Uploader{baseDir: filepath.Join(baseDir, common.UploadsDirName)}
}

// SaveMultipartImage validates and stores an uploaded image (png/jpg) to disk.
// The caller should always invoke the cleanup function when the file is no longer needed.
func (u *Uploader) SaveMultipartImage(fileHeader *multipart.FileHeader, maxBytes int64, lastModified time.Time) (Upload, func() error, error) {
	if fileHeader == nil {
		return Upload{}, nil, fmt.Errorf("no file provided")
	}
	mimeType := fileHeader.Header.Get("Content-Type")
	// Some clients set application/octet-stream for uploads; fall back to the extension.
	if mimeType == "" || strings.EqualFold(strings.TrimSpace(mimeType), "application/octet-stream") {
		ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
		mimeType = mime.TypeByExtension(ext)
	}
	if !isAllowedImageMime(mimeType) {
		return Upload{}, nil, fmt.Errorf("unsupported content type %q for %s", mimeType, fileHeader.Filename)
	}
	mimeType = normalizeMime(mimeType)

	if err := os.MkdirAll(u.baseDir, 0o755); err != nil {
		return Upload{}, nil, fmt.Errorf("ensure uploads dir: %w", err)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return Upload{}, nil, fmt.Errorf("open uploaded file: %w", err)
	}
	defer func() { _ = src.Close() }()

	ext := pickExtension(mimeType, fileHeader.Filename)
	dstPath := filepath.Join(u.baseDir, randomHex(16)+ext)

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return Upload{}, nil, fmt.Errorf("create upload file: %w", err)
	}
	defer func() { _ = dst.Close() }()

	// Read one byte past the limit so oversize files are detected rather than truncated.
	n, err := io.Copy(dst, io.LimitReader(src, maxBytes+1))
	if err != nil {
		_ = os.Remove(dstPath)
		return Upload{}, nil, fmt.Errorf("copy upload: %w", err)
	}
	if n > maxBytes {
		_ = os.Remove(dstPath)
		return Upload{}, nil, fmt.Errorf("%s: %w", fileHeader.Filename, ErrTooLarge)
	}
	if n == 0 {
		_ = os.Remove(dstPath)
		return Upload{}, nil, fmt.Errorf("%s is empty", fileHeader.Filename)
	}

	cleanup := func() error {
		return os.Remove(dstPath)
	}
	return Upload{
		Name:         filepath.Base(fileHeader.Filename),
		MIME:         mimeType,
		Size:         n,
		LastModified: lastModified,
		Path:         dstPath,
	}, cleanup, nil
}

// Bundle groups the spooled files of one run by role.
type Bundle struct {
	Subjects  []Upload
	Scene     *Upload
	Reference *Upload
	Outfit    *Upload

	cleanups []func() error
}

// Track registers a cleanup func returned by SaveMultipartImage.
func (b *Bundle) Track(cleanup func() error) {
	if cleanup != nil {
		b.cleanups = append(b.cleanups, cleanup)
	}
}

// Cleanup removes every tracked file and returns the first error.
func (b *Bundle) Cleanup() error {
	var first error
	for _, c := range b.cleanups {
		if err := c(); err != nil && !errors.Is(err, os.ErrNotExist) && first == nil {
			first = err
		}
	}
	b.cleanups = nil
	return first
}

// Describe sets the job inputs from upload metadata only, enough for validation.
func (b *Bundle) Describe(job *pipeline.Job) {
	_ = b.assign(job, func(u Upload) (pipeline.Input, error) {
		return pipeline.Input{Name: u.Name, Size: u.Size, LastModified: u.LastModified, MIME: u.MIME}, nil
	})
}

// Fill reads every file into the matching job input.
func (b *Bundle) Fill(job *pipeline.Job) error {
	return b.assign(job, Upload.Input)
}

func (b *Bundle) assign(job *pipeline.Job, load func(Upload) (pipeline.Input, error)) error {
	subjects := make([]pipeline.Input, 0, len(b.Subjects))
	for _, u := range b.Subjects {
		in, err := load(u)
		if err != nil {
			return err
		}
		subjects = append(subjects, in)
	}
	job.Subjects = subjects
	for _, slot := range []struct {
		up  *Upload
		dst **pipeline.Input
	}{{b.Scene, &job.Scene}, {b.Reference, &job.Reference}, {b.Outfit, &job.Outfit}} {
		if slot.up == nil {
			*slot.dst = nil
			continue
		}
		in, err := load(*slot.up)
		if err != nil {
			return err
		}
		*slot.dst = &in
	}
	return nil
}

func isAllowedImageMime(mimeType string) bool {
	_, ok := allowedImageMimes[normalizeMime(mimeType)]
	return ok
}

func normalizeMime(mimeType string) string {
	return strings.ToLower(strings.TrimSpace(mimeType))
}

func pickExtension(mimeType, original string) string {
	if ext, ok := allowedImageMimes[mimeType]; ok {
		return ext
	}
	ext := strings.ToLower(filepath.Ext(original))
	if ext == "" {
		return ".bin"
	}
	return ext
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
