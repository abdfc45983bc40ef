package ffmpeg

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/domain/entity"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/domain/port"
)

// Probe wraps ffprobe for container metadata reads.
type Probe struct {
	bin string
}

func NewProbe(bin string) *Probe {
	if bin == "" {
		bin = "ffprobe"
	}
	return &Probe{bin: bin}
}

func (p *Probe) Duration(ctx context.Context, mediaPath string) (float64, error) {
	cmd := exec.CommandContext(ctx, p.bin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		mediaPath,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}

	durationStr := strings.TrimSpace(string(output))
	duration, err := strconv.ParseFloat(durationStr, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration: %w", err)
	}
	return duration, nil
}

// DurationAnalyzer measures playable length. A single ffprobe invocation,
// so no intermediate progress is reported.
type DurationAnalyzer struct {
	probe  *Probe
	logger *zap.Logger
}

func NewDurationAnalyzer(probe *Probe, logger *zap.Logger) *DurationAnalyzer {
	return &DurationAnalyzer{probe: probe, logger: logger}
}

func (a *DurationAnalyzer) Analyze(ctx context.Context, videoID, localPath string, onProgress port.ProgressFunc) (*entity.Artifact, error) {
	duration, err := a.probe.Duration(ctx, localPath)
	if err != nil {
		return nil, err
	}

	a.logger.Info("duration measured",
		zap.String("video_id", videoID),
		zap.Float64("seconds", duration),
	)

	return &entity.Artifact{VideoID: videoID, Duration: &duration}, nil
}
