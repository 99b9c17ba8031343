// Package automation drives the external content-generation surface through
// its interactive web interface: session verification, one-time brand profile
// bootstrap, campaign generation and asset extraction, all behind a
// process-wide single-flight lock.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"flywheel/internal/browser"
	"flywheel/internal/config"
	"flywheel/internal/errs"
	"flywheel/internal/items"
)

// Campaign is the outcome of one successful generation run.
type Campaign struct {
	Assets  []string // downloaded asset file paths, at least one
	Caption string   // may be empty; image-only results are accepted
}

// AuthStatus is the structured result of a standalone session health check.
type AuthStatus struct {
	Status    string    `json:"status"` // active | expired | error
	Message   string    `json:"message"`
	CheckedAt time.Time `json:"checked_at"`
}

const (
	AuthActive  = "active"
	AuthExpired = "expired"
	AuthError   = "error"
)

// runLock is the process-wide single-flight automation lock. ProcessIdea is
// the only holder; a second concurrent caller fails fast instead of queueing.
type runLock struct {
	held atomic.Bool
}

func (l *runLock) tryAcquire() bool { return l.held.CompareAndSwap(false, true) }
func (l *runLock) release()         { l.held.Store(false) }

// Engine drives the external surface for one idea at a time.
type Engine struct {
	log        *slog.Logger
	cfg        config.AutomationConfig
	store      items.Store
	driver     browser.Driver
	httpClient *http.Client

	lock    runLock
	snapSeq atomic.Int64

	// Injection points for tests.
	now   func() time.Time
	sleep func(context.Context, time.Duration)
}

func New(log *slog.Logger, cfg config.AutomationConfig, store items.Store, driver browser.Driver) *Engine {
	return &Engine{
		log:        log,
		cfg:        cfg,
		store:      store,
		driver:     driver,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// Busy reports whether an automation run is currently holding the lock.
func (e *Engine) Busy() bool { return e.lock.held.Load() }

// ProcessIdea runs the full pipeline for one item: lock, session check,
// optional brand bootstrap, generation, extraction, persistence. Any failure
// is persisted as status failed with its message before being returned, so
// the stored state stays consistent even if the caller ignores the error.
// A caller racing an in-flight run gets CONCURRENCY_LOCK and the item is left
// untouched.
func (e *Engine) ProcessIdea(ctx context.Context, itemID int64, idea, profileURL string) (Campaign, error) {
	if !e.lock.tryAcquire() {
		return Campaign{}, errs.New(errs.KindConcurrencyLock, "another automation run is in progress")
	}
	defer e.lock.release()

	log := e.log.With("item_id", itemID)
	log.Info("automation run starting", "idea", idea)

	fail := func(err error) (Campaign, error) {
		if serr := e.store.SaveFailure(itemID, err.Error()); serr != nil {
			log.Error("persist failure state", "err", serr)
		}
		log.Error("automation run failed", "err", err)
		return Campaign{}, err
	}

	active, err := e.CheckSession(ctx)
	if err != nil {
		return fail(fmt.Errorf("session check: %w", err))
	}
	if !active {
		return fail(errs.New(errs.KindSessionExpired, "session expired; re-import credentials before generating"))
	}

	if profileURL != "" {
		if err := e.EnsureBrandProfile(ctx, profileURL); err != nil {
			return fail(fmt.Errorf("brand profile bootstrap: %w", err))
		}
	}

	campaign, err := e.GenerateCampaign(ctx, idea)
	if err != nil {
		return fail(err)
	}

	if err := e.store.SaveGeneration(itemID, campaign.Caption, campaign.Assets[0]); err != nil {
		return fail(fmt.Errorf("persist generation result: %w", err))
	}

	log.Info("automation run finished", "assets", len(campaign.Assets), "caption_len", len(campaign.Caption))
	return campaign, nil
}

// CheckSession navigates to the surface entry point and decides whether an
// authenticated session is present, using the layered signals in
// sessionSignals and then the final URL. A navigation error is reported as
// "expired" rather than raised: a flaky network blip during a health check
// must not crash downstream callers. The caller's ctx deadline is the only
// way the check itself fails with an error.
func (e *Engine) CheckSession(ctx context.Context) (bool, error) {
	navCtx, cancel := context.WithTimeout(ctx, e.cfg.SessionLoadTimeout)
	err := e.driver.Navigate(navCtx, e.cfg.SurfaceURL)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		e.log.Warn("session check navigation failed, treating as expired", "err", err)
		return false, nil
	}
	e.snapshot(ctx, "session-check")

	for _, sig := range sessionSignals {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if e.waitFor(ctx, sig.selector, e.cfg.ProbeTimeout) {
			e.log.Debug("session signal matched", "signal", sig.name, "active", sig.active)
			return sig.active, nil
		}
	}

	// Neither indicator matched; fall back to the final URL.
	urlCtx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
	current, err := e.driver.CurrentURL(urlCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}
	if e.onAuthDomain(current) {
		e.log.Debug("redirected to auth domain", "url", current)
		return false, nil
	}
	if sameHost(current, e.cfg.SurfaceURL) {
		// Best effort: still on the surface with no login affordance.
		return true, nil
	}
	return false, nil
}

// AuthStatus wraps CheckSession with a hard bound and maps the outcome to a
// structured status. An unauthenticated read is a normal outcome (expired),
// not a fault; only a timeout or an unexpected failure yields "error".
func (e *Engine) AuthStatus(ctx context.Context) AuthStatus {
	checkCtx, cancel := context.WithTimeout(ctx, e.cfg.AuthCheckTimeout)
	defer cancel()

	active, err := e.CheckSession(checkCtx)
	status := AuthStatus{CheckedAt: e.now().UTC()}
	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		status.Status = AuthError
		status.Message = fmt.Sprintf("auth check timed out after %s", e.cfg.AuthCheckTimeout)
	case err != nil:
		status.Status = AuthError
		status.Message = err.Error()
	case active:
		status.Status = AuthActive
		status.Message = "session active"
	default:
		status.Status = AuthExpired
		status.Message = "session expired; re-import credentials"
	}
	return status
}

// EnsureBrandProfile performs the one-time brand setup. A visible
// "profile ready" state makes this a no-op. Otherwise the source URL is
// submitted and we wait for an explicit completion signal or, since the
// surface does not guarantee one, for the loading indicator to disappear.
func (e *Engine) EnsureBrandProfile(ctx context.Context, sourceURL string) error {
	if e.waitFor(ctx, selProfileReady, e.cfg.ProbeTimeout) {
		e.log.Debug("brand profile already configured")
		return nil
	}
	e.snapshot(ctx, "brand-profile-start")

	input := e.firstExisting(ctx, profileInputSelectors)
	if input == "" {
		return fmt.Errorf("brand profile input not found")
	}
	e.pace(ctx)
	if err := e.driver.Fill(ctx, input, sourceURL); err != nil {
		return fmt.Errorf("fill profile source: %w", err)
	}
	submit := e.firstExisting(ctx, profileSubmitSelectors)
	if submit == "" {
		return fmt.Errorf("brand profile submit control not found")
	}
	e.pace(ctx)
	if err := e.driver.Click(ctx, submit); err != nil {
		return fmt.Errorf("submit profile source: %w", err)
	}
	e.snapshot(ctx, "brand-profile-submitted")

	deadline := e.now().Add(e.cfg.ProfileTimeout)
	started := e.now()
	for e.now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if ok, _ := e.exists(ctx, selProfileReady); ok {
			e.snapshot(ctx, "brand-profile-ready")
			return nil
		}
		// Fallback path: no completion signal, but the surface stopped
		// loading. Give the indicator a grace period to appear first.
		if e.now().Sub(started) > 5*time.Second {
			if loading, _ := e.exists(ctx, selLoading); !loading {
				e.snapshot(ctx, "brand-profile-settled")
				return nil
			}
		}
		e.sleep(ctx, time.Second)
	}
	return fmt.Errorf("brand profile setup timed out after %s", e.cfg.ProfileTimeout)
}

// GenerateCampaign submits the idea and waits for output, then extracts
// assets and caption. Absence of output is a first-class failure, not an
// empty success.
func (e *Engine) GenerateCampaign(ctx context.Context, idea string) (Campaign, error) {
	e.snapshot(ctx, "generate-start")

	input := e.firstExisting(ctx, promptSelectors)
	if input == "" {
		return Campaign{}, fmt.Errorf("idea input not found on surface")
	}
	e.pace(ctx)
	if err := e.driver.Fill(ctx, input, idea); err != nil {
		return Campaign{}, fmt.Errorf("fill idea: %w", err)
	}
	submit := e.firstExisting(ctx, generateButtonSelectors)
	if submit == "" {
		return Campaign{}, fmt.Errorf("generate control not found on surface")
	}
	e.pace(ctx)
	if err := e.driver.Click(ctx, submit); err != nil {
		return Campaign{}, fmt.Errorf("submit idea: %w", err)
	}
	e.snapshot(ctx, "generate-submitted")

	if err := e.waitForGeneration(ctx); err != nil {
		e.snapshot(ctx, "generate-timeout")
		return Campaign{}, err
	}
	e.snapshot(ctx, "generate-complete")

	assets := e.extractAssets(ctx)
	if len(assets) == 0 {
		return Campaign{}, errs.New(errs.KindNoAssets, "generation completed but produced no usable assets")
	}
	caption := e.extractCaption(ctx)
	if caption == "" {
		e.log.Warn("no caption extracted, accepting image-only result")
	}
	return Campaign{Assets: assets, Caption: caption}, nil
}

// waitForGeneration waits for the output container (primary signal) or for
// the loading indicator to disappear (fallback) within the generation bound.
func (e *Engine) waitForGeneration(ctx context.Context) error {
	timeout := e.cfg.GenerationTimeout
	deadline := e.now().Add(timeout)
	started := e.now()
	for e.now().Before(deadline) {
		if ctx.Err() != nil {
			return errs.New(errs.KindGenerationTimout, "generation timed out: %v", ctx.Err())
		}
		if ok, _ := e.exists(ctx, selOutputContainer); ok {
			return nil
		}
		if e.now().Sub(started) > 10*time.Second {
			if loading, _ := e.exists(ctx, selLoading); !loading {
				return nil
			}
		}
		e.sleep(ctx, 2*time.Second)
	}
	return errs.New(errs.KindGenerationTimout, "generation timed out after %s", timeout)
}

// exists is a single bounded existence probe.
func (e *Engine) exists(ctx context.Context, selector string) (bool, error) {
	probeCtx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
	defer cancel()
	return e.driver.Exists(probeCtx, selector)
}

// waitFor polls a selector until it matches or timeout elapses.
func (e *Engine) waitFor(ctx context.Context, selector string, timeout time.Duration) bool {
	deadline := e.now().Add(timeout)
	for {
		if ok, err := e.exists(ctx, selector); err == nil && ok {
			return true
		}
		if ctx.Err() != nil || !e.now().Before(deadline) {
			return false
		}
		e.sleep(ctx, 250*time.Millisecond)
	}
}

// firstExisting returns the first selector in the ordered strategy list that
// currently matches, polling the whole list until the probe timeout.
func (e *Engine) firstExisting(ctx context.Context, selectors []string) string {
	deadline := e.now().Add(e.cfg.ProbeTimeout)
	for {
		for _, sel := range selectors {
			if ok, err := e.exists(ctx, sel); err == nil && ok {
				return sel
			}
		}
		if ctx.Err() != nil || !e.now().Before(deadline) {
			return ""
		}
		e.sleep(ctx, 250*time.Millisecond)
	}
}

// pace inserts a randomized human-mimicking delay between discrete UI
// actions. Skippable via configuration for automated testing.
func (e *Engine) pace(ctx context.Context) {
	if e.cfg.SkipPacing {
		return
	}
	window := e.cfg.PacingMax - e.cfg.PacingMin
	d := e.cfg.PacingMin
	if window > 0 {
		d += time.Duration(rand.Int64N(int64(window)))
	}
	e.sleep(ctx, d)
}

// snapshot captures a full-page debug screenshot with a step label. Failures
// are logged and swallowed; diagnostics must never fail a run.
func (e *Engine) snapshot(ctx context.Context, label string) {
	if e.cfg.SnapshotDir == "" {
		return
	}
	shotCtx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
	defer cancel()
	data, err := e.driver.Screenshot(shotCtx)
	if err != nil {
		e.log.Debug("snapshot failed", "step", label, "err", err)
		return
	}
	name := fmt.Sprintf("%03d-%s.png", e.snapSeq.Add(1), label)
	if err := os.WriteFile(filepath.Join(e.cfg.SnapshotDir, name), data, 0o640); err != nil {
		e.log.Debug("snapshot write failed", "step", label, "err", err)
	}
}

func (e *Engine) onAuthDomain(rawURL string) bool {
	host := hostOf(rawURL)
	if host == "" {
		return false
	}
	for _, domain := range e.cfg.AuthDomains {
		domain = strings.TrimPrefix(domain, ".")
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func sameHost(a, b string) bool {
	ha, hb := hostOf(a), hostOf(b)
	return ha != "" && ha == hb
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
