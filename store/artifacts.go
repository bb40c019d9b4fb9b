// Package store locates finished job artifacts on disk and keeps a sqlite
// history of job outcomes.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrNotReady means no artifact exists (yet) for the job.
	ErrNotReady = errors.New("store: artifact not ready")
	// ErrInvalidID rejects identifiers that could escape the artifact root.
	ErrInvalidID = errors.New("store: invalid job id")
)

const ArchiveExt = ".zip"

// Artifacts is the shared output namespace keyed by job id:
// <Root>/<id>.zip for archives, <Root>/<id><ext> for single images.
type Artifacts struct {
	Root string
}

func (a Artifacts) ArchivePath(id string) string {
	return filepath.Join(a.Root, id+ArchiveExt)
}

func (a Artifacts) SinglePath(id, ext string) string {
	return filepath.Join(a.Root, id+ext)
}

// Locate returns the archive for id if present, otherwise the regular file
// named id plus a single extension. A partial id never matches.
func (a Artifacts) Locate(id string) (string, error) {
	if !validID(id) {
		return "", ErrInvalidID
	}

	archive := a.ArchivePath(id)
	if info, err := os.Stat(archive); err == nil && info.Mode().IsRegular() {
		return archive, nil
	}

	entries, err := os.ReadDir(a.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotReady
		}
		return "", fmt.Errorf("read artifact dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.Type().IsRegular() && strings.TrimSuffix(name, filepath.Ext(name)) == id {
			return filepath.Join(a.Root, e.Name()), nil
		}
	}
	return "", ErrNotReady
}

// Sweep removes artifacts whose modification time is older than ttl.
func (a Artifacts) Sweep(now time.Time, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(a.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := now.Add(-ttl)
	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(a.Root, e.Name())); err != nil {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

func validID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}
