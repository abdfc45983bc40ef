package port

import (
	"context"

	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/domain/entity"
)

// ProgressFunc receives engine progress in the 0-100 range. Callbacks may
// arrive from the goroutine draining the engine's output.
type ProgressFunc func(percent float64)

// MediaAnalyzer is the black-box analysis engine behind one job type. It
// reads the already-fetched local file and returns the artifact for the
// video; intermediate progress goes through onProgress.
type MediaAnalyzer interface {
	Analyze(ctx context.Context, videoID, localPath string, onProgress ProgressFunc) (*entity.Artifact, error)
}
