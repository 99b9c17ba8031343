// Package publisher validates a finished work item and sends it to the
// external posting API, enforcing caption/asset limits and a rolling monthly
// usage quota. It owns the item's terminal publication state: posted on
// success, failed with the error message on any failure.
package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"flywheel/internal/common"
	"flywheel/internal/config"
	"flywheel/internal/errs"
	"flywheel/internal/items"
)

const errorSnippetLimit = 400

// Result identifies a successfully published post.
type Result struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type Publisher struct {
	log        *slog.Logger
	cfg        config.PublisherConfig
	store      items.Store
	httpClient *http.Client
	now        func() time.Time
}

func New(log *slog.Logger, cfg config.PublisherConfig, store items.Store) *Publisher {
	return &Publisher{
		log:        log,
		cfg:        cfg,
		store:      store,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
	}
}

// Publish validates and sends one item. On failure the item is marked failed
// with the message before the error is returned; on success it is marked
// posted with the returned identifiers and the usage counter is incremented.
func (p *Publisher) Publish(ctx context.Context, item *items.WorkItem) (*Result, error) {
	res, err := p.publish(ctx, item)
	if err != nil {
		if serr := p.store.SaveFailure(item.ID, err.Error()); serr != nil {
			p.log.Error("persist publish failure", "item_id", item.ID, "err", serr)
		}
		return nil, err
	}

	publishedAt := p.now().UTC()
	if err := p.store.SavePublication(item.ID, res.ID, res.URL, publishedAt); err != nil {
		return nil, fmt.Errorf("persist publication: %w", err)
	}
	p.bumpUsage()
	p.log.Info("item published", "item_id", item.ID, "published_id", res.ID)
	return res, nil
}

func (p *Publisher) publish(ctx context.Context, item *items.WorkItem) (*Result, error) {
	caption := item.EffectiveCaption()
	if caption == "" {
		return nil, errs.New(errs.KindNoCaption, "item has no caption to publish")
	}
	if item.GeneratedAssetPath == "" {
		return nil, errs.New(errs.KindNoAsset, "item has no asset to publish")
	}
	if len(caption) > p.cfg.MaxCaptionLen {
		return nil, errs.New(errs.KindCaptionTooLong,
			"caption is %d characters, limit is %d", len(caption), p.cfg.MaxCaptionLen)
	}

	data, err := os.ReadFile(item.GeneratedAssetPath)
	if err != nil {
		return nil, errs.New(errs.KindNoAsset, "read asset: %v", err)
	}
	filename := filepath.Base(item.GeneratedAssetPath)
	if uint64(len(data)) > uint64(p.cfg.MaxAssetSize) {
		// Best-effort recompress before giving up.
		shrunk, serr := shrinkImage(data, int(p.cfg.MaxAssetSize))
		if serr != nil {
			return nil, errs.New(errs.KindAssetTooLarge,
				"asset is %d bytes, limit is %d and recompression failed: %v",
				len(data), p.cfg.MaxAssetSize, serr)
		}
		p.log.Debug("asset recompressed", "item_id", item.ID, "from", len(data), "to", len(shrunk))
		data = shrunk
		filename = strings.TrimSuffix(filename, filepath.Ext(filename)) + ".jpg"
	}

	used, err := p.usedThisMonth()
	if err != nil {
		return nil, fmt.Errorf("read usage counter: %w", err)
	}
	if used >= p.cfg.MonthlyQuota {
		return nil, errs.New(errs.KindQuotaExceeded,
			"monthly quota of %d posts exhausted", p.cfg.MonthlyQuota)
	}

	return p.send(ctx, caption, filename, data)
}

// send uploads caption and asset as a multipart post.
func (p *Publisher) send(ctx context.Context, caption, filename string, data []byte) (*Result, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("caption", caption); err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	part, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	u, err := url.JoinPath(p.cfg.APIBaseURL, "v1/posts")
	if err != nil {
		return nil, fmt.Errorf("join url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+p.cfg.AccessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, errs.New(errs.KindAPIError, "posting api request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorSnippetLimit))
		return nil, errs.New(errs.KindAPIError, "posting api status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out struct {
		ID        string `json:"id"`
		Permalink string `json:"permalink"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errs.New(errs.KindAPIError, "decode posting api response: %v", err)
	}
	if out.ID == "" {
		return nil, errs.New(errs.KindAPIError, "posting api returned no post id")
	}
	return &Result{ID: out.ID, URL: out.Permalink}, nil
}

// monthKey returns the settings key of the current usage period.
func (p *Publisher) monthKey() string {
	return common.SettingPostCountPrefix + p.now().UTC().Format(common.MonthKeyLayout)
}

func (p *Publisher) usedThisMonth() (int, error) {
	v, err := p.store.GetSetting(p.monthKey())
	if err != nil {
		return 0, err
	}
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.log.Warn("unreadable usage counter, treating as zero", "value", v)
		return 0, nil
	}
	return n, nil
}

// bumpUsage increments the counter for the current period. Called only after
// a successful publish; failures never consume quota.
func (p *Publisher) bumpUsage() {
	used, err := p.usedThisMonth()
	if err != nil {
		p.log.Error("read usage counter", "err", err)
		return
	}
	if err := p.store.SetSetting(p.monthKey(), strconv.Itoa(used+1)); err != nil {
		p.log.Error("write usage counter", "err", err)
	}
}
