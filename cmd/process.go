package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/chaos-io/cutout/pipeline"
	"github.com/chaos-io/cutout/registry"
	"github.com/chaos-io/cutout/segment"
	"github.com/chaos-io/cutout/store"
	"github.com/chaos-io/cutout/util"
)

const pollInterval = 200 * time.Millisecond

type processOptions struct {
	color   string
	bgPhoto string
	out     string
}

func newProcessCommand(opts *globalOptions) *cobra.Command {
	po := &processOptions{}
	cmd := &cobra.Command{
		Use:   "process FILE...",
		Short: "Run one batch locally and print the resulting artifact",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if len(args) > cfg.Limits.MaxBatch {
				return fmt.Errorf("at most %d images per batch, got %d", cfg.Limits.MaxBatch, len(args))
			}
			batch, err := po.batch(args, cfg.Limits.MaxFileBytes)
			if err != nil {
				return err
			}
			if err := prepareDirs(cfg); err != nil {
				return err
			}

			history, err := store.OpenHistory(cfg.Storage.HistoryDB)
			if err != nil {
				return fmt.Errorf("open history: %w", err)
			}
			defer func() {
				_ = history.Close()
			}()

			reg := registry.New()
			artifacts := store.Artifacts{Root: cfg.Storage.OutputDir}
			worker := &pipeline.Worker{
				Remover:      segment.Shared(cfg.Segment.URL, cfg.Segment.Timeout),
				Tracker:      reg,
				Packager:     pipeline.Packager{Artifacts: artifacts},
				Recorder:     history,
				WorkDir:      cfg.Storage.WorkDir,
				MaxDimension: cfg.Limits.MaxDimension,
			}
			launcher := pipeline.NewLauncher(worker, reg, history, cfg.Storage.UploadDir)

			id, err := launcher.Launch(cmd.Context(), batch)
			if err != nil {
				return err
			}

			entry := watch(cmd.Context(), reg, id, cmd.ErrOrStderr())
			if err := launcher.Wait(cmd.Context()); err != nil {
				return err
			}
			if entry.Progress == registry.Failed {
				return fmt.Errorf("job %s failed: %s", id, entry.Reason)
			}

			path, err := artifacts.Locate(id)
			if err != nil {
				return fmt.Errorf("locate artifact: %w", err)
			}
			if po.out != "" {
				if err := util.MoveFile(path, po.out); err != nil {
					return fmt.Errorf("move artifact: %w", err)
				}
				path = po.out
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
			return err
		},
	}
	cmd.Flags().StringVar(&po.color, "bg-color", "", "solid background colour, e.g. #ffffff")
	cmd.Flags().StringVar(&po.bgPhoto, "bg-photo", "", "image stretched behind every cut-out")
	cmd.Flags().StringVarP(&po.out, "out", "o", "", "move the artifact to this path")
	return cmd
}

func (po *processOptions) batch(files []string, maxBytes int64) (pipeline.Batch, error) {
	b := pipeline.Batch{Color: po.color}
	for _, f := range files {
		u, err := localUpload(f, maxBytes)
		if err != nil {
			return pipeline.Batch{}, err
		}
		b.Items = append(b.Items, u)
	}
	if po.bgPhoto != "" {
		u, err := localUpload(po.bgPhoto, maxBytes)
		if err != nil {
			return pipeline.Batch{}, err
		}
		b.Background = &u
	}
	return b, nil
}

func localUpload(path string, maxBytes int64) (pipeline.Upload, error) {
	info, err := os.Stat(path)
	if err != nil {
		return pipeline.Upload{}, err
	}
	if !info.Mode().IsRegular() {
		return pipeline.Upload{}, fmt.Errorf("%s is not a regular file", path)
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return pipeline.Upload{}, fmt.Errorf("%s is %s, the limit is %s", path,
			humanize.IBytes(uint64(info.Size())), humanize.IBytes(uint64(maxBytes)))
	}
	return pipeline.Upload{
		Name: filepath.Base(path),
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}, nil
}

// watch polls the registry until the job is terminal. A progress bar is drawn
// only when w is a terminal; otherwise progress changes are logged.
func watch(ctx context.Context, reg *registry.Registry, id string, w io.Writer) registry.Entry {
	var bar *progressbar.ProgressBar
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		bar = progressbar.NewOptions(registry.Done,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription("removing backgrounds"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	last := -2
	for {
		e, _ := reg.Lookup(id)
		if e.Progress != last {
			last = e.Progress
			if bar != nil && e.Progress >= 0 {
				_ = bar.Set(e.Progress)
			} else if bar == nil {
				log.Info().Str("component", "cli").Str("job_id", id).Int("progress", e.Progress).Msg("progress")
			}
		}
		if e.Terminal() {
			if bar != nil {
				_ = bar.Finish()
			}
			return e
		}

		select {
		case <-ctx.Done():
			return e
		case <-ticker.C:
		}
	}
}
