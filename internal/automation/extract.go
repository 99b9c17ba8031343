package automation

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"flywheel/internal/retry"
)

// maxAssetDownloadBytes bounds a single asset read.
const maxAssetDownloadBytes = 32 << 20

// extractAssets locates image candidates and downloads them to the asset
// directory. Candidates scoped to the output container are preferred; if none
// are found there, a page-wide scan filtered by rendered width is the
// fallback. Individual download failures are logged and skipped; the run only
// fails when nothing at all could be saved (decided by the caller).
func (e *Engine) extractAssets(ctx context.Context) []string {
	sources, err := e.driver.ImageSources(ctx, selOutputImages, 0)
	if err != nil {
		e.log.Warn("scoped image scan failed", "err", err)
	}
	if len(sources) == 0 {
		sources, err = e.driver.ImageSources(ctx, "img", e.cfg.MinImageWidth)
		if err != nil {
			e.log.Warn("page-wide image scan failed", "err", err)
			return nil
		}
		e.log.Debug("using page-wide image fallback", "candidates", len(sources))
	}

	sources = dedupe(sources)
	if len(sources) > e.cfg.MaxAssets {
		sources = sources[:e.cfg.MaxAssets]
	}

	paths := make([]string, len(sources))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(2) // Bound concurrency; the page and the asset host are both slow.
	for i, src := range sources {
		g.Go(func() error {
			path, err := e.downloadAsset(gCtx, src)
			if err != nil {
				e.log.Warn("asset download failed, skipping", "source", truncate(src, 120), "err", err)
				return nil
			}
			paths[i] = path
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; failures are skips

	var out []string
	for _, p := range paths {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// downloadAsset content-addresses one candidate source: inline-encoded data
// is decoded directly, an ephemeral in-page object reference is resolved by a
// fetch-and-re-encode step inside the page, and a normal remote reference is
// fetched directly.
func (e *Engine) downloadAsset(ctx context.Context, src string) (string, error) {
	var (
		data []byte
		ext  string
		err  error
	)
	switch {
	case strings.HasPrefix(src, "data:"):
		data, ext, err = decodeDataURL(src)
	case strings.HasPrefix(src, "blob:"):
		var dataURL string
		dataURL, err = retry.Do(ctx, e.log, "resolve blob", 3, 0, func(ctx context.Context) (string, error) {
			return e.driver.FetchAsDataURL(ctx, src)
		})
		if err == nil {
			data, ext, err = decodeDataURL(dataURL)
		}
	default:
		data, ext, err = retryFetch(ctx, e, src)
	}
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("empty asset body")
	}

	path := filepath.Join(e.cfg.AssetDir, uuid.NewString()+ext)
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", fmt.Errorf("write asset: %w", err)
	}
	return path, nil
}

func retryFetch(ctx context.Context, e *Engine, src string) ([]byte, string, error) {
	type fetched struct {
		data []byte
		ext  string
	}
	f, err := retry.Do(ctx, e.log, "fetch asset", 3, 500*time.Millisecond, func(ctx context.Context) (fetched, error) {
		data, ext, err := e.fetchRemote(ctx, src)
		return fetched{data: data, ext: ext}, err
	})
	return f.data, f.ext, err
}

func (e *Engine) fetchRemote(ctx context.Context, src string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("fetch asset: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetDownloadBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read asset body: %w", err)
	}
	ext := extForMime(resp.Header.Get("Content-Type"))
	if ext == "" {
		ext = urlExt(src)
	}
	return data, ext, nil
}

// extractCaption tries the semantically-scoped locator first, then falls back
// to the longest text found inside the output container. Caption absence is
// accepted, not raised.
func (e *Engine) extractCaption(ctx context.Context) string {
	if text, err := e.driver.Text(ctx, selCaptionPrimary); err == nil {
		if text = strings.TrimSpace(text); text != "" {
			return text
		}
	}
	texts, err := e.driver.Texts(ctx, selOutputTexts)
	if err != nil {
		return ""
	}
	longest := ""
	for _, t := range texts {
		if t = strings.TrimSpace(t); len(t) > len(longest) {
			longest = t
		}
	}
	return longest
}

// decodeDataURL decodes "data:<mime>;base64,<payload>" into raw bytes plus a
// file extension for the mime type.
func decodeDataURL(src string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(src, "data:")
	if !ok {
		return nil, "", fmt.Errorf("not a data url")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", fmt.Errorf("malformed data url")
	}
	if !strings.HasSuffix(meta, ";base64") {
		return nil, "", fmt.Errorf("unsupported data url encoding %q", meta)
	}
	mimeType := strings.TrimSuffix(meta, ";base64")
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode data url: %w", err)
	}
	ext := extForMime(mimeType)
	if ext == "" {
		ext = ".png"
	}
	return data, ext, nil
}

func extForMime(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	switch mt {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ""
	}
}

func urlExt(src string) string {
	base := src
	if i := strings.IndexAny(base, "?#"); i >= 0 {
		base = base[:i]
	}
	switch ext := strings.ToLower(filepath.Ext(base)); ext {
	case ".png", ".jpg", ".jpeg", ".webp", ".gif":
		return ext
	default:
		return ".png"
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
