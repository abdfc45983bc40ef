package whisper

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/domain/entity"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/domain/port"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/infra/ffmpeg"
)

// Transcriber runs whisper.cpp over a 16 kHz mono remux of the input.
// Decoded segment timestamps on stdout drive the progress callback.
type Transcriber struct {
	whisperBin string
	ffmpegBin  string
	model      string
	probe      *ffmpeg.Probe
	tempDir    string
	logger     *zap.Logger
}

func NewTranscriber(whisperBin, ffmpegBin, model string, probe *ffmpeg.Probe, tempDir string, logger *zap.Logger) *Transcriber {
	if whisperBin == "" {
		whisperBin = "whisper"
	}
	if ffmpegBin == "" {
		ffmpegBin = "ffmpeg"
	}
	return &Transcriber{
		whisperBin: whisperBin,
		ffmpegBin:  ffmpegBin,
		model:      model,
		probe:      probe,
		tempDir:    tempDir,
		logger:     logger,
	}
}

// Segment lines look like "[00:00:00.000 --> 00:00:05.280]   hello".
var segmentEnd = regexp.MustCompile(`--> (\d{2,}):(\d{2}):(\d{2})[.,](\d{3})\]`)

func (t *Transcriber) Analyze(ctx context.Context, videoID, localPath string, onProgress port.ProgressFunc) (*entity.Artifact, error) {
	duration, err := t.probe.Duration(ctx, localPath)
	if err != nil {
		t.logger.Warn("could not get media duration, progress will be coarse",
			zap.String("video_id", videoID),
			zap.Error(err),
		)
		duration = 0
	}

	workDir, err := os.MkdirTemp(t.tempDir, "transcribe-*")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	wavPath := filepath.Join(workDir, "audio-16k-mono.wav")
	if err := t.extractAudio(ctx, localPath, wavPath); err != nil {
		return nil, err
	}
	if onProgress != nil {
		onProgress(10)
	}

	textBase := filepath.Join(workDir, "transcript")
	cmd := exec.CommandContext(ctx, t.whisperBin,
		"-m", t.model,
		"-f", wavPath,
		"-of", textBase,
		"-otxt",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("whisper stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start whisper: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		end, ok := parseSegmentEnd(scanner.Text())
		if !ok || duration <= 0 || onProgress == nil {
			continue
		}
		frac := end / duration
		if frac > 1 {
			frac = 1
		}
		onProgress(10 + 85*frac)
	}

	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("whisper error: %w, stderr: %s", err, stderr.String())
	}

	content, err := os.ReadFile(textBase + ".txt")
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}

	transcript := strings.TrimSpace(string(content))
	t.logger.Info("transcription finished",
		zap.String("video_id", videoID),
		zap.Int("chars", len(transcript)),
	)

	return &entity.Artifact{VideoID: videoID, Transcript: transcript}, nil
}

func (t *Transcriber) extractAudio(ctx context.Context, inputPath, outPath string) error {
	cmd := exec.CommandContext(ctx, t.ffmpegBin,
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		outPath,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg audio convert: %w, output: %s", err, string(output))
	}
	return nil
}

func parseSegmentEnd(line string) (float64, bool) {
	m := segmentEnd.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	hours, _ := strconv.Atoi(m[1])
	minutes, _ := strconv.Atoi(m[2])
	seconds, _ := strconv.Atoi(m[3])
	millis, _ := strconv.Atoi(m[4])
	return float64(hours*3600+minutes*60+seconds) + float64(millis)/1000, true
}
