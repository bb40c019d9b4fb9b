package pipeline

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/chaos-io/cutout/store"
	"github.com/chaos-io/cutout/util"
)

type Kind string

const (
	KindSingle  Kind = "single"
	KindArchive Kind = "archive"
)

// Artifact is the single deliverable of a successful job.
type Artifact struct {
	Path    string
	Kind    Kind
	Entries int
}

// Packager turns processed images into the job artifact.
type Packager struct {
	Artifacts store.Artifacts
}

// Package moves a lone image to <root>/<id><ext> or bundles several into
// <root>/<id>.zip. scratch is the job's scratch dir, used for the partial
// archive so downloads never see an incomplete file.
func (p Packager) Package(jobID string, items []string, scratch string) (*Artifact, error) {
	if len(items) == 0 {
		return nil, ErrNoOutput
	}
	if err := os.MkdirAll(p.Artifacts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	if len(items) == 1 {
		// items are always PNG, whatever the upload was: alpha has to survive
		dst := p.Artifacts.SinglePath(jobID, filepath.Ext(items[0]))
		if err := util.MoveFile(items[0], dst); err != nil {
			return nil, fmt.Errorf("move output: %w", err)
		}
		return &Artifact{Path: dst, Kind: KindSingle, Entries: 1}, nil
	}

	part := filepath.Join(scratch, jobID+store.ArchiveExt+".part")
	if err := writeArchive(part, items); err != nil {
		_ = os.Remove(part)
		return nil, fmt.Errorf("write archive: %w", err)
	}
	dst := p.Artifacts.ArchivePath(jobID)
	if err := util.MoveFile(part, dst); err != nil {
		return nil, fmt.Errorf("move archive: %w", err)
	}
	return &Artifact{Path: dst, Kind: KindArchive, Entries: len(items)}, nil
}

// writeArchive stores every item deflated under its base name. Clashing
// names get an index prefix instead of overwriting each other.
func writeArchive(path string, items []string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)

	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if err := addEntry(zw, util.UniqueName(seen, filepath.Base(item)), item); err != nil {
			_ = zw.Close()
			_ = f.Close()
			return err
		}
	}

	if err := zw.Close(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func addEntry(zw *zip.Writer, name, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = src.Close()
	}()

	modified := time.Now()
	if info, err := src.Stat(); err == nil {
		modified = info.ModTime()
	}
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: modified,
	})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}
