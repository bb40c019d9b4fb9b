package pipeline

import (
	"archive/zip"
	"context"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaos-io/cutout/imaging"
	"github.com/chaos-io/cutout/registry"
	"github.com/chaos-io/cutout/segment"
)

func zipEntries(t *testing.T, path string) []string {
	t.Helper()
	r, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer func() {
		_ = r.Close()
	}()
	var names []string
	for _, f := range r.File {
		assert.Equal(t, zip.Deflate, f.Method)
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

func assertScratchGone(t *testing.T, f *fixture, job Job) {
	t.Helper()
	assert.NoDirExists(t, job.InputDir)
	assert.NoDirExists(t, filepath.Join(f.workDir, job.ID))
	for _, p := range job.Items {
		assert.NoFileExists(t, p)
	}
}

func TestRunningProgress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		done, total, want int
	}{
		{1, 1, 99},
		{1, 3, 33},
		{2, 3, 66},
		{3, 3, 99},
		{1, 50, 2},
		{49, 50, 98},
		{50, 50, 99},
		{0, 0, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, runningProgress(tt.done, tt.total), "%d/%d", tt.done, tt.total)
	}
}

func TestWorker_SingleItemIsStandaloneFile(t *testing.T) {
	t.Parallel()

	f := newFixture(t, leftHalfCutout)
	job := f.job(t, "single", func(dir string) []string {
		return []string{writePNG(t, dir, "cat.png", 8, 4, red)}
	})

	res := f.worker.Run(context.Background(), job)
	require.NoError(t, res.Err)
	require.NotNil(t, res.Artifact)
	assert.Equal(t, KindSingle, res.Artifact.Kind)
	assert.Equal(t, filepath.Join(f.outputDir, "single.png"), res.Artifact.Path)
	assert.NoFileExists(t, filepath.Join(f.outputDir, "single.zip"))

	out, err := imaging.Open(res.Artifact.Path)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 4), out.Bounds())
	assert.Equal(t, uint8(0), out.NRGBAAt(0, 0).A, "background removed")
	assert.Equal(t, uint8(255), out.NRGBAAt(7, 0).A)

	assert.Equal(t, []int{99, registry.Done}, f.tracker.updates("single"))
	assert.Equal(t, registry.Done, f.tracker.Get("single"))
	assertScratchGone(t, f, job)

	s, ok := f.recorder.summary("single")
	require.True(t, ok)
	assert.Equal(t, "single.png", s.Artifact)
	assert.Equal(t, 1, s.Succeeded)
}

func TestWorker_SingleJPEGBecomesPNG(t *testing.T) {
	t.Parallel()

	f := newFixture(t, leftHalfCutout)
	job := f.job(t, "photo", func(dir string) []string {
		img := image.NewNRGBA(image.Rect(0, 0, 8, 4))
		for i := 0; i < len(img.Pix); i += 4 {
			img.Pix[i], img.Pix[i+3] = 255, 255
		}
		path := filepath.Join(dir, "photo.jpg")
		out, err := os.Create(path)
		require.NoError(t, err)
		require.NoError(t, jpeg.Encode(out, img, nil))
		require.NoError(t, out.Close())
		return []string{path}
	})

	res := f.worker.Run(context.Background(), job)
	require.NoError(t, res.Err)
	assert.Equal(t, filepath.Join(f.outputDir, "photo.png"), res.Artifact.Path)
	assert.NoFileExists(t, filepath.Join(f.outputDir, "photo.jpg"))

	out, err := imaging.Open(res.Artifact.Path)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), out.NRGBAAt(0, 0).A, "alpha kept")
}

func TestWorker_MultiItemArchive(t *testing.T) {
	t.Parallel()

	f := newFixture(t, leftHalfCutout)
	job := f.job(t, "multi", func(dir string) []string {
		return []string{
			writePNG(t, dir, "a.png", 6, 6, red),
			writePNG(t, dir, "b.png", 4, 2, green),
			writePNG(t, dir, "c.png", 2, 2, red),
		}
	})

	res := f.worker.Run(context.Background(), job)
	require.NoError(t, res.Err)
	assert.Equal(t, KindArchive, res.Artifact.Kind)
	assert.Equal(t, 3, res.Artifact.Entries)
	assert.Equal(t, []string{"processed_a.png", "processed_b.png", "processed_c.png"}, zipEntries(t, res.Artifact.Path))

	updates := f.tracker.updates("multi")
	assert.Equal(t, []int{33, 66, 99, registry.Done}, updates)
	assertScratchGone(t, f, job)
}

func TestWorker_AllItemsFail(t *testing.T) {
	t.Parallel()

	f := newFixture(t, leftHalfCutout)
	f.worker.MaxDimension = 10
	job := f.job(t, "allfail", func(dir string) []string {
		return []string{
			writePNG(t, dir, "big1.png", 11, 4, red),
			writePNG(t, dir, "big2.png", 4, 30, red),
		}
	})

	res := f.worker.Run(context.Background(), job)
	require.ErrorIs(t, res.Err, ErrNoOutput)
	assert.Nil(t, res.Artifact)

	assert.Equal(t, []int{50, 99}, f.tracker.updates("allfail"), "one update per item, none terminal")
	e, ok := f.tracker.Lookup("allfail")
	require.True(t, ok)
	assert.Equal(t, registry.Failed, e.Progress)
	assert.Equal(t, "no images could be processed", e.Reason)

	_, err := os.Stat(f.outputDir)
	if err == nil {
		entries, _ := os.ReadDir(f.outputDir)
		assert.Empty(t, entries, "no artifact")
	}
	assertScratchGone(t, f, job)

	s, ok := f.recorder.summary("allfail")
	require.True(t, ok)
	assert.Equal(t, 2, s.Failed)
}

func TestWorker_MixedBatchKeepsSuccessfulSubset(t *testing.T) {
	t.Parallel()

	f := newFixture(t, leftHalfCutout)
	job := f.job(t, "mixed", func(dir string) []string {
		return []string{
			writePNG(t, dir, "ok1.png", 4, 4, red),
			writeFile(t, dir, "corrupt.png", "definitely not a png"),
			writePNG(t, dir, "segfail.png", 4, 4, blue),
			writePNG(t, dir, "ok2.png", 4, 4, green),
		}
	})

	res := f.worker.Run(context.Background(), job)
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, []string{"processed_ok1.png", "processed_ok2.png"}, zipEntries(t, res.Artifact.Path))
	assert.Equal(t, []int{25, 50, 75, 99, registry.Done}, f.tracker.updates("mixed"))
	assertScratchGone(t, f, job)
}

func TestWorker_MixedBatchSingleSurvivor(t *testing.T) {
	t.Parallel()

	f := newFixture(t, leftHalfCutout)
	job := f.job(t, "survivor", func(dir string) []string {
		return []string{
			writePNG(t, dir, "bad.png", 4, 4, blue),
			writePNG(t, dir, "good.png", 4, 4, red),
		}
	})

	res := f.worker.Run(context.Background(), job)
	require.NoError(t, res.Err)
	assert.Equal(t, KindSingle, res.Artifact.Kind)
	assert.FileExists(t, filepath.Join(f.outputDir, "survivor.png"))
	assert.Equal(t, registry.Done, f.tracker.Get("survivor"))
}

func TestWorker_BackgroundColour(t *testing.T) {
	t.Parallel()

	f := newFixture(t, leftHalfCutout)
	job := f.job(t, "colour", func(dir string) []string {
		return []string{writePNG(t, dir, "x.png", 10, 10, red)}
	})
	job.Background = Background{Color: &blue}

	res := f.worker.Run(context.Background(), job)
	require.NoError(t, res.Err)

	out, err := imaging.Open(res.Artifact.Path)
	require.NoError(t, err)
	assert.Equal(t, blue, out.NRGBAAt(0, 5), "transparent area shows the colour")
	assert.Equal(t, red, out.NRGBAAt(9, 5))
}

func TestWorker_BackgroundImageStretched(t *testing.T) {
	t.Parallel()

	f := newFixture(t, leftHalfCutout)
	job := f.job(t, "photo", func(dir string) []string {
		return []string{writePNG(t, dir, "x.png", 20, 10, red)}
	})
	job.Background = Background{ImagePath: writePNG(t, job.InputDir, "bg_sky.png", 3, 3, green)}

	res := f.worker.Run(context.Background(), job)
	require.NoError(t, res.Err)

	out, err := imaging.Open(res.Artifact.Path)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 20, 10), out.Bounds())
	c := out.NRGBAAt(0, 5)
	assert.Equal(t, uint8(255), c.A)
	assert.Greater(t, c.G, uint8(200))
	assert.NoFileExists(t, job.Background.ImagePath)
}

func TestWorker_UnusableBackgroundKeepsTransparency(t *testing.T) {
	t.Parallel()

	f := newFixture(t, leftHalfCutout)
	job := f.job(t, "badbg", func(dir string) []string {
		return []string{writePNG(t, dir, "x.png", 10, 10, red)}
	})
	job.Background = Background{ImagePath: writeFile(t, job.InputDir, "bg.png", "garbage")}

	res := f.worker.Run(context.Background(), job)
	require.NoError(t, res.Err)
	out, err := imaging.Open(res.Artifact.Path)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), out.NRGBAAt(0, 0).A)
}

func TestWorker_CatastrophicScratchFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, leftHalfCutout)
	// a regular file where the scratch root should be
	require.NoError(t, os.WriteFile(f.workDir, []byte("x"), 0o644))
	job := f.job(t, "catastrophe", func(dir string) []string {
		return []string{writePNG(t, dir, "x.png", 4, 4, red)}
	})

	res := f.worker.Run(context.Background(), job)
	require.Error(t, res.Err)
	assert.Empty(t, f.tracker.updates("catastrophe"))
	e, _ := f.tracker.Lookup("catastrophe")
	assert.Equal(t, registry.Failed, e.Progress)
	assert.Contains(t, e.Reason, "create scratch dir")
	assert.NoDirExists(t, job.InputDir)
}

func TestWorker_PanicsAreContained(t *testing.T) {
	t.Parallel()

	panicky := segment.Func(func(ctx context.Context, img image.Image) (image.Image, error) {
		if img.Bounds().Dx() == 3 {
			panic("decoder blew up")
		}
		return leftHalfCutout(ctx, img)
	})
	f := newFixture(t, panicky)
	job := f.job(t, "panic", func(dir string) []string {
		return []string{
			writePNG(t, dir, "boom.png", 3, 3, red),
			writePNG(t, dir, "fine.png", 4, 4, red),
		}
	})

	res := f.worker.Run(context.Background(), job)
	require.NoError(t, res.Err, "item panic is an item-level failure")
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, registry.Done, f.tracker.Get("panic"))
}

type panickingTracker struct {
	*recordingTracker
}

func (p panickingTracker) Set(id string, v int) error {
	if v < registry.Done {
		panic("tracker unavailable")
	}
	return p.recordingTracker.Set(id, v)
}

func TestWorker_JobLevelPanicBecomesFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, leftHalfCutout)
	f.worker.Tracker = panickingTracker{f.tracker}
	job := f.job(t, "jobpanic", func(dir string) []string {
		return []string{writePNG(t, dir, "x.png", 4, 4, red)}
	})

	var res Result
	require.NotPanics(t, func() { res = f.worker.Run(context.Background(), job) })
	require.Error(t, res.Err)
	e, _ := f.tracker.Lookup("jobpanic")
	assert.Equal(t, registry.Failed, e.Progress)
	assert.Contains(t, e.Reason, "worker panic")
	assertScratchGone(t, f, job)
}

func TestWorker_TerminalValueIsFinal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, leftHalfCutout)
	job := f.job(t, "final", func(dir string) []string {
		return []string{writePNG(t, dir, "x.png", 4, 4, red)}
	})
	f.worker.Run(context.Background(), job)

	assert.ErrorIs(t, f.tracker.Registry.Set("final", 10), registry.ErrTerminal)
	assert.ErrorIs(t, f.tracker.Registry.Fail("final", "late"), registry.ErrTerminal)
	assert.Equal(t, registry.Done, f.tracker.Get("final"))
}
