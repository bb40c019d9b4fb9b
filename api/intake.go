package api

import (
	"errors"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/chaos-io/cutout/pipeline"
)

// allowedExt 与网页上传控件保持一致；heif/heic 可以上传但无法解码，会在处理时按单张失败计
var allowedExt = map[string]struct{}{
	"jpg":  {},
	"jpeg": {},
	"png":  {},
	"webp": {},
	"heif": {},
	"heic": {},
}

// Limits bounds what a single request may upload.
type Limits struct {
	MaxBatch     int
	MaxFileBytes int64
	// MaxDimension is the longest accepted side in pixels; 0 disables the check.
	MaxDimension int
}

// IntakeError is a request problem reported to the client with status 400.
type IntakeError struct {
	Msg string
}

func (e *IntakeError) Error() string { return e.Msg }

func rejectf(format string, args ...any) error {
	return &IntakeError{Msg: fmt.Sprintf(format, args...)}
}

// checkBatch validates the uploaded images and the optional background
// photo and converts them into pipeline uploads.
func (l Limits) checkBatch(files []*multipart.FileHeader, bgPhoto *multipart.FileHeader) ([]pipeline.Upload, *pipeline.Upload, error) {
	if len(files) == 0 {
		return nil, nil, rejectf("No files selected. Please choose up to %d images (Max %s each).",
			l.MaxBatch, humanize.IBytes(uint64(l.MaxFileBytes)))
	}
	if len(files) > l.MaxBatch {
		return nil, nil, rejectf("Too many images selected. Maximum %d images per upload.", l.MaxBatch)
	}

	items := make([]pipeline.Upload, 0, len(files))
	for _, fh := range files {
		if err := l.checkFile(fh, "File"); err != nil {
			return nil, nil, err
		}
		items = append(items, upload(fh))
	}

	if bgPhoto == nil {
		return items, nil, nil
	}
	if err := l.checkFile(bgPhoto, "Background photo"); err != nil {
		return nil, nil, err
	}
	bg := upload(bgPhoto)
	return items, &bg, nil
}

func (l Limits) checkFile(fh *multipart.FileHeader, label string) error {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(fh.Filename), "."))
	if _, ok := allowedExt[ext]; !ok {
		return rejectf("%s '%s' has invalid format.", label, fh.Filename)
	}
	if l.MaxFileBytes > 0 && fh.Size > l.MaxFileBytes {
		return rejectf("%s '%s' is too large (%s, limit %s).", label, fh.Filename,
			humanize.IBytes(uint64(fh.Size)), humanize.IBytes(uint64(l.MaxFileBytes)))
	}
	if l.MaxDimension > 0 {
		return l.checkDimension(fh, label)
	}
	return nil
}

// checkDimension reads only the image header. Formats the decoder does not
// know are let through; the worker reports them as item failures.
func (l Limits) checkDimension(fh *multipart.FileHeader, label string) error {
	f, err := fh.Open()
	if err != nil {
		return fmt.Errorf("open upload %s: %w", fh.Filename, err)
	}
	defer func() {
		_ = f.Close()
	}()

	cfg, _, err := image.DecodeConfig(f)
	switch {
	case errors.Is(err, image.ErrFormat):
		return nil
	case err != nil:
		return rejectf("%s '%s' could not be read as an image.", label, fh.Filename)
	case max(cfg.Width, cfg.Height) > l.MaxDimension:
		return rejectf("%s '%s' is %dx%d pixels; the limit is %d on the longest side.",
			label, fh.Filename, cfg.Width, cfg.Height, l.MaxDimension)
	}
	return nil
}

func upload(fh *multipart.FileHeader) pipeline.Upload {
	return pipeline.Upload{
		Name: fh.Filename,
		Open: func() (io.ReadCloser, error) { return fh.Open() },
	}
}
