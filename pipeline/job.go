// Package pipeline runs background-removal batch jobs.
//
// A Launcher stages the uploaded images, registers the job and hands it to a
// Worker on its own goroutine. The Worker processes items one at a time,
// reports progress after every item, packages the results and always cleans
// up its scratch storage before writing the terminal progress value.
package pipeline

import (
	"context"
	"errors"
	"image/color"
	"time"

	"github.com/chaos-io/cutout/store"
)

var (
	ErrEmptyBatch   = errors.New("pipeline: batch has no images")
	ErrNoOutput     = errors.New("pipeline: no images could be processed")
	ErrTooLarge     = errors.New("pipeline: image exceeds the dimension limit")
	ErrInvalidColor = errors.New("pipeline: invalid background colour")
	ErrBackground   = errors.New("pipeline: both a background colour and a background image were given")
)

// Background is at most one of a solid colour or an image to stretch behind
// the cut-out. The zero value keeps the result transparent.
type Background struct {
	Color     *color.NRGBA
	ImagePath string
}

func NewBackground(c *color.NRGBA, imagePath string) (Background, error) {
	if c != nil && imagePath != "" {
		return Background{}, ErrBackground
	}
	return Background{Color: c, ImagePath: imagePath}, nil
}

func (b Background) None() bool {
	return b.Color == nil && b.ImagePath == ""
}

type Job struct {
	ID         string
	Items      []string
	Background Background
	// InputDir holds the staged uploads and is removed once the job ends.
	InputDir  string
	CreatedAt time.Time
}

// Tracker receives progress updates; *registry.Registry implements it.
type Tracker interface {
	Set(id string, value int) error
	Fail(id, reason string) error
}

// Recorder persists job outcomes; *store.History implements it.
type Recorder interface {
	Start(ctx context.Context, id string, total int, createdAt time.Time) error
	Finish(ctx context.Context, s store.Summary) error
}

// failureReason is the message pollers see for a failed job.
func failureReason(err error) string {
	if errors.Is(err, ErrNoOutput) {
		return "no images could be processed"
	}
	return err.Error()
}
