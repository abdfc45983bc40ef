package mediafetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/pkg/token"
)

// Fetcher downloads protected media through the content gateway, minting a
// fresh signed token per request.
type Fetcher struct {
	baseURL string
	signer  *token.Signer
	client  *http.Client
	logger  *zap.Logger
}

func NewFetcher(baseURL string, signer *token.Signer, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  signer,
		// Generous timeout; course videos can run to gigabytes.
		client: &http.Client{Timeout: 10 * time.Minute},
		logger: logger,
	}
}

func (f *Fetcher) FetchToFile(ctx context.Context, mediaPath string, destPath string) error {
	if !strings.HasPrefix(mediaPath, "/") {
		mediaPath = "/" + mediaPath
	}

	tok := f.signer.Issue(mediaPath)
	url := f.baseURL + token.CanonicalPath(mediaPath) + "?token=" + tok

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build media request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %d for %s", resp.StatusCode, mediaPath)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create media file: %w", err)
	}
	defer out.Close()

	n, err := io.Copy(out, resp.Body)
	if err != nil {
		os.Remove(destPath)
		return fmt.Errorf("download media: %w", err)
	}

	f.logger.Debug("media fetched",
		zap.String("path", mediaPath),
		zap.Int64("bytes", n),
	)
	return nil
}
