package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/domain/entity"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/domain/port"
)

// The grab point sits a quarter into the video; intros and black lead-in
// frames rarely survive that far.
const thumbnailSeekFraction = 0.25

type ThumbnailAnalyzer struct {
	bin     string
	probe   *Probe
	format  string
	tempDir string
	storage port.ArtifactStorage
	logger  *zap.Logger
}

func NewThumbnailAnalyzer(bin string, probe *Probe, format, tempDir string, storage port.ArtifactStorage, logger *zap.Logger) *ThumbnailAnalyzer {
	if bin == "" {
		bin = "ffmpeg"
	}
	if format == "" {
		format = "jpg"
	}
	return &ThumbnailAnalyzer{
		bin:     bin,
		probe:   probe,
		format:  format,
		tempDir: tempDir,
		storage: storage,
		logger:  logger,
	}
}

func (a *ThumbnailAnalyzer) Analyze(ctx context.Context, videoID, localPath string, onProgress port.ProgressFunc) (*entity.Artifact, error) {
	duration, err := a.probe.Duration(ctx, localPath)
	if err != nil {
		a.logger.Warn("could not get video duration, grabbing first frame",
			zap.String("video_id", videoID),
			zap.Error(err),
		)
		duration = 0
	}
	if onProgress != nil {
		onProgress(25)
	}

	seek := duration * thumbnailSeekFraction
	outPath := filepath.Join(a.tempDir, fmt.Sprintf("%s_thumb.%s", videoID, a.format))
	defer os.Remove(outPath)

	cmd := exec.CommandContext(ctx, a.bin,
		"-ss", strconv.FormatFloat(seek, 'f', 3, 64),
		"-i", localPath,
		"-frames:v", "1",
		"-q:v", "2",
		"-y",
		outPath,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg error: %w, output: %s", err, string(output))
	}
	if onProgress != nil {
		onProgress(70)
	}

	f, err := os.Open(outPath)
	if err != nil {
		return nil, fmt.Errorf("open thumbnail: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat thumbnail: %w", err)
	}

	objectKey := fmt.Sprintf("%s.%s", videoID, a.format)
	if err := a.storage.UploadThumbnail(ctx, objectKey, f, info.Size(), a.contentType()); err != nil {
		return nil, err
	}

	a.logger.Info("thumbnail stored",
		zap.String("video_id", videoID),
		zap.String("object_key", objectKey),
		zap.Float64("seek_seconds", seek),
	)

	return &entity.Artifact{VideoID: videoID, ThumbnailKey: objectKey}, nil
}

func (a *ThumbnailAnalyzer) contentType() string {
	switch a.format {
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
