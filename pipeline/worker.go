package pipeline

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/chaos-io/cutout/imaging"
	"github.com/chaos-io/cutout/logging"
	"github.com/chaos-io/cutout/registry"
	"github.com/chaos-io/cutout/segment"
	"github.com/chaos-io/cutout/store"
	"github.com/chaos-io/cutout/util"
)

// maxRunning caps progress while a job runs so that 100 is only ever
// written by the terminal transition.
const maxRunning = registry.Done - 1

type Worker struct {
	Remover  segment.Remover
	Tracker  Tracker
	Packager Packager
	Recorder Recorder

	// WorkDir holds one scratch output directory per job.
	WorkDir string
	// MaxDimension is the longest allowed side in pixels; 0 disables the check.
	MaxDimension int
}

// Result describes how a job ended.
type Result struct {
	Total     int
	Succeeded int
	Artifact  *Artifact
	Err       error
}

// Run processes job to completion. It never panics and always finishes with
// cleanup followed by a terminal progress value.
func (w *Worker) Run(ctx context.Context, job Job) (res Result) {
	logger := logging.Component("worker").With().Str("job_id", job.ID).Logger()
	outDir := filepath.Join(w.WorkDir, job.ID)
	res.Total = len(job.Items)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("worker panic: %v", r)
			logger.Error().Str("stack", string(debug.Stack())).Msg("worker panic recovered")
		}
		cleanup(logger, job, outDir)
		w.finish(ctx, logger, job, &res, time.Since(start))
	}()

	logger.Info().Int("items", res.Total).Bool("background", !job.Background.None()).Msg("job started")
	res.Artifact, res.Succeeded, res.Err = w.process(ctx, logger, job, outDir)
	return res
}

func (w *Worker) process(ctx context.Context, logger zerolog.Logger, job Job, outDir string) (*Artifact, int, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, 0, fmt.Errorf("create scratch dir: %w", err)
	}

	bg := loadBackdrop(logger, job.Background)
	seen := make(map[string]struct{}, len(job.Items))
	processed := make([]string, 0, len(job.Items))
	total := len(job.Items)

	for i, path := range job.Items {
		out, err := w.processItem(ctx, path, bg, outDir, seen)
		if err != nil {
			logger.Warn().Err(err).Str("item", filepath.Base(path)).Int("index", i).Msg("item failed")
		} else {
			processed = append(processed, out)
		}

		if err := w.Tracker.Set(job.ID, runningProgress(i+1, total)); err != nil {
			logger.Warn().Err(err).Msg("progress update rejected")
		}
	}

	logger.Debug().Int("succeeded", len(processed)).Int("failed", total-len(processed)).Msg("items done")

	art, err := w.Packager.Package(job.ID, processed, outDir)
	if err != nil {
		return nil, len(processed), err
	}
	return art, len(processed), nil
}

// processItem runs one image through decode, segmentation, edge refinement
// and compositing and writes the PNG into outDir.
func (w *Worker) processItem(ctx context.Context, path string, bg backdrop, outDir string, seen map[string]struct{}) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if w.MaxDimension > 0 {
		if cfg, _, cerr := imaging.DecodeConfig(path); cerr == nil && max(cfg.Width, cfg.Height) > w.MaxDimension {
			return "", fmt.Errorf("%w: %dx%d", ErrTooLarge, cfg.Width, cfg.Height)
		}
	}

	img, err := imaging.Open(path)
	if err != nil {
		return "", err
	}
	if !imaging.WithinDimension(img, w.MaxDimension) {
		return "", fmt.Errorf("%w: %dx%d", ErrTooLarge, img.Bounds().Dx(), img.Bounds().Dy())
	}

	cut, err := w.Remover.Remove(ctx, img)
	if err != nil {
		return "", fmt.Errorf("segment: %w", err)
	}

	result := bg.apply(imaging.Refine(imaging.ToNRGBA(cut)))

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	name := util.UniqueName(seen, "processed_"+stem+".png")
	out = filepath.Join(outDir, name)
	if err := imaging.SavePNG(out, result); err != nil {
		return "", err
	}
	return out, nil
}

func (w *Worker) finish(ctx context.Context, logger zerolog.Logger, job Job, res *Result, elapsed time.Duration) {
	summary := store.Summary{
		ID:         job.ID,
		FinishedAt: time.Now(),
		Total:      res.Total,
		Succeeded:  res.Succeeded,
		Failed:     res.Total - res.Succeeded,
	}

	if res.Err != nil {
		summary.State = store.StateFailed
		summary.Reason = failureReason(res.Err)
		if err := w.Tracker.Fail(job.ID, summary.Reason); err != nil {
			logger.Warn().Err(err).Msg("failure state rejected")
		}
		logger.Error().Err(res.Err).Dur("elapsed", elapsed).Msg("job failed")
	} else {
		summary.State = store.StateSucceeded
		if res.Artifact != nil {
			summary.Artifact = filepath.Base(res.Artifact.Path)
		}
		if err := w.Tracker.Set(job.ID, registry.Done); err != nil {
			logger.Warn().Err(err).Msg("completion state rejected")
		}
		logger.Info().
			Int("succeeded", res.Succeeded).
			Int("failed", summary.Failed).
			Str("artifact", summary.Artifact).
			Dur("elapsed", elapsed).
			Msg("job finished")
	}

	if w.Recorder != nil {
		if err := w.Recorder.Finish(ctx, summary); err != nil {
			logger.Warn().Err(err).Msg("record job outcome")
		}
	}
}

func runningProgress(done, total int) int {
	if total <= 0 {
		return 0
	}
	return min(registry.Done*done/total, maxRunning)
}

type backdrop struct {
	color *color.NRGBA
	image image.Image
}

func loadBackdrop(logger zerolog.Logger, b Background) backdrop {
	switch {
	case b.Color != nil:
		return backdrop{color: b.Color}
	case b.ImagePath != "":
		img, err := imaging.Open(b.ImagePath)
		if err != nil {
			logger.Warn().Err(err).Msg("background image unusable, keeping transparency")
			return backdrop{}
		}
		return backdrop{image: img}
	default:
		return backdrop{}
	}
}

func (b backdrop) apply(img *image.NRGBA) *image.NRGBA {
	switch {
	case b.color != nil:
		return imaging.OverColor(img, *b.color)
	case b.image != nil:
		return imaging.OverImage(img, b.image)
	default:
		return img
	}
}
