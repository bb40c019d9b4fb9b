package pipeline

import (
	"os"

	"github.com/rs/zerolog"
)

// cleanup removes everything the job staged or produced besides the artifact.
// Failures are logged and otherwise ignored.
func cleanup(logger zerolog.Logger, job Job, outDir string) {
	for _, p := range job.Items {
		removeQuietly(logger, p, os.Remove)
	}
	if job.Background.ImagePath != "" {
		removeQuietly(logger, job.Background.ImagePath, os.Remove)
	}
	if job.InputDir != "" {
		removeQuietly(logger, job.InputDir, os.RemoveAll)
	}
	removeQuietly(logger, outDir, os.RemoveAll)
}

func removeQuietly(logger zerolog.Logger, path string, rm func(string) error) {
	if err := rm(path); err != nil && !os.IsNotExist(err) {
		logger.Warn().Err(err).Str("path", path).Msg("cleanup failed")
	}
}
