package pipeline

import (
	"context"
	"fmt"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/chaos-io/cutout/imaging"
	"github.com/chaos-io/cutout/logging"
	"github.com/chaos-io/cutout/util"
)

// Upload is one file handed over by the caller.
type Upload struct {
	Name string
	Open func() (io.ReadCloser, error)
}

// Batch is a validated request to process Items.
type Batch struct {
	Items      []Upload
	Color      string
	Background *Upload
}

// Registrar creates the initial progress entry; *registry.Registry implements it.
type Registrar interface {
	Register(id string) error
}

type Launcher struct {
	worker    *Worker
	registry  Registrar
	recorder  Recorder
	uploadDir string

	wg    sync.WaitGroup
	newID func() string
}

func NewLauncher(worker *Worker, reg Registrar, recorder Recorder, uploadDir string) *Launcher {
	return &Launcher{
		worker:    worker,
		registry:  reg,
		recorder:  recorder,
		uploadDir: uploadDir,
		newID:     func() string { return ksuid.New().String() },
	}
}

// Launch stages the batch under a fresh job id, registers it and starts the
// worker. It returns as soon as the worker goroutine is running.
func (l *Launcher) Launch(ctx context.Context, b Batch) (string, error) {
	if len(b.Items) == 0 {
		return "", ErrEmptyBatch
	}

	var bgColor *color.NRGBA
	if b.Color != "" {
		c, err := imaging.ParseColor(b.Color)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidColor, err)
		}
		bgColor = &c
	}

	id := l.newID()
	logger := logging.Component("launcher").With().Str("job_id", id).Logger()
	dir := filepath.Join(l.uploadDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}

	job, err := stage(id, dir, b, bgColor)
	if err != nil {
		_ = os.RemoveAll(dir)
		return "", err
	}

	if l.recorder != nil {
		if err := l.recorder.Start(ctx, id, len(job.Items), job.CreatedAt); err != nil {
			logger.Warn().Err(err).Msg("record job start")
		}
	}
	if err := l.registry.Register(id); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("register job: %w", err)
	}

	detached := context.WithoutCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.worker.Run(detached, job)
	}()

	logger.Info().Int("items", len(job.Items)).Msg("job launched")
	return id, nil
}

// Wait blocks until every launched job has finished or ctx is done.
func (l *Launcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func stage(id, dir string, b Batch, bgColor *color.NRGBA) (Job, error) {
	seen := make(map[string]struct{}, len(b.Items)+1)
	job := Job{
		ID:        id,
		Items:     make([]string, 0, len(b.Items)),
		InputDir:  dir,
		CreatedAt: time.Now(),
	}

	for _, u := range b.Items {
		path, err := save(dir, util.UniqueName(seen, util.SafeFilename(u.Name)), u)
		if err != nil {
			return Job{}, err
		}
		job.Items = append(job.Items, path)
	}

	var bgPath string
	if bgColor == nil && b.Background != nil {
		path, err := save(dir, util.UniqueName(seen, "bg_"+util.SafeFilename(b.Background.Name)), *b.Background)
		if err != nil {
			return Job{}, err
		}
		bgPath = path
	}

	bg, err := NewBackground(bgColor, bgPath)
	if err != nil {
		return Job{}, err
	}
	job.Background = bg
	return job, nil
}

func save(dir, name string, u Upload) (string, error) {
	src, err := u.Open()
	if err != nil {
		return "", fmt.Errorf("open upload %s: %w", u.Name, err)
	}
	defer func() {
		_ = src.Close()
	}()

	path := filepath.Join(dir, name)
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("stage upload: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return "", fmt.Errorf("stage upload %s: %w", u.Name, err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("stage upload %s: %w", u.Name, err)
	}
	return path, nil
}
