package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chaos-io/cutout/registry"
	"github.com/chaos-io/cutout/segment"
	"github.com/chaos-io/cutout/store"
)

var (
	red   = color.NRGBA{R: 255, A: 255}
	green = color.NRGBA{G: 255, A: 255}
	blue  = color.NRGBA{B: 255, A: 255}
)

func writePNG(t *testing.T, dir, name string, w, h int, c color.NRGBA) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// leftHalfCutout makes the left half of the image transparent. Images that
// are pure blue fail segmentation.
var leftHalfCutout = segment.Func(func(ctx context.Context, img image.Image) (image.Image, error) {
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			if c == blue {
				return nil, errors.New("segmentation failed")
			}
			if x < b.Dx()/2 {
				c.A = 0
			}
			out.SetNRGBA(x, y, c)
		}
	}
	return out, nil
})

type recordingTracker struct {
	*registry.Registry

	mu    sync.Mutex
	sets  map[string][]int
	fails map[string]string
}

func newRecordingTracker() *recordingTracker {
	return &recordingTracker{
		Registry: registry.New(),
		sets:     make(map[string][]int),
		fails:    make(map[string]string),
	}
}

func (r *recordingTracker) Set(id string, v int) error {
	r.mu.Lock()
	r.sets[id] = append(r.sets[id], v)
	r.mu.Unlock()
	return r.Registry.Set(id, v)
}

func (r *recordingTracker) Fail(id, reason string) error {
	r.mu.Lock()
	r.fails[id] = reason
	r.mu.Unlock()
	return r.Registry.Fail(id, reason)
}

func (r *recordingTracker) updates(id string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.sets[id]...)
}

type historyRecorder struct {
	mu       sync.Mutex
	started  []string
	finished map[string]store.Summary
}

func newHistoryRecorder() *historyRecorder {
	return &historyRecorder{finished: make(map[string]store.Summary)}
}

func (h *historyRecorder) Start(_ context.Context, id string, _ int, _ time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, id)
	return nil
}

func (h *historyRecorder) Finish(_ context.Context, s store.Summary) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished[s.ID] = s
	return nil
}

func (h *historyRecorder) summary(id string) (store.Summary, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.finished[id]
	return s, ok
}

type fixture struct {
	worker    *Worker
	tracker   *recordingTracker
	recorder  *historyRecorder
	root      string
	workDir   string
	outputDir string
}

func newFixture(t *testing.T, remover segment.Remover) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		tracker:   newRecordingTracker(),
		recorder:  newHistoryRecorder(),
		root:      root,
		workDir:   filepath.Join(root, "work"),
		outputDir: filepath.Join(root, "processed"),
	}
	f.worker = &Worker{
		Remover:  remover,
		Tracker:  f.tracker,
		Packager: Packager{Artifacts: store.Artifacts{Root: f.outputDir}},
		Recorder: f.recorder,
		WorkDir:  f.workDir,
	}
	return f
}

// job stages files into a fresh input dir; build receives that dir.
func (f *fixture) job(t *testing.T, id string, build func(dir string) []string) Job {
	t.Helper()
	dir := filepath.Join(f.root, "uploads", id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, f.tracker.Register(id))
	return Job{ID: id, Items: build(dir), InputDir: dir, CreatedAt: time.Now()}
}
