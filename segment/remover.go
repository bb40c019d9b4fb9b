// Package segment wraps the external segmentation service that produces a
// cut-out (foreground with alpha) for an image.
package segment

import (
	"context"
	"errors"
	"image"
)

// ErrNoService is returned when no segmentation endpoint is configured.
var ErrNoService = errors.New("segment: no segmentation service configured")

type Remover interface {
	Remove(ctx context.Context, img image.Image) (image.Image, error)
}

// Func adapts a plain function to Remover.
type Func func(ctx context.Context, img image.Image) (image.Image, error)

func (f Func) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	return f(ctx, img)
}
