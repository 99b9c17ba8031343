package browser

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"flywheel/internal/errs"
)

// Chrome drives a single long-lived browser tab via the DevTools protocol.
type Chrome struct {
	tabCtx      context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
}

var _ Driver = (*Chrome)(nil)

// NewChrome launches a browser and opens the tab all operations run in.
func NewChrome(ctx context.Context, headless bool) (*Chrome, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1366, 900),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	// Force the browser process to start so failures surface here, not on
	// the first page operation.
	if err := chromedp.Run(tabCtx); err != nil {
		cancelTab()
		cancelAlloc()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return &Chrome{tabCtx: tabCtx, cancelTab: cancelTab, cancelAlloc: cancelAlloc}, nil
}

// run executes actions on the tab, propagating the caller's deadline. The tab
// context itself is long-lived; only the operation is bounded.
func (c *Chrome) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx := c.tabCtx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(c.tabCtx, deadline)
		defer cancel()
	}
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(runCtx, actions...) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (c *Chrome) Navigate(ctx context.Context, url string) error {
	return c.run(ctx, chromedp.Navigate(url))
}

func (c *Chrome) CurrentURL(ctx context.Context) (string, error) {
	var url string
	err := c.run(ctx, chromedp.Location(&url))
	return url, err
}

func (c *Chrome) Exists(ctx context.Context, selector string) (bool, error) {
	var found bool
	js := fmt.Sprintf(`document.querySelector(%s) !== null`, strconv.Quote(selector))
	if err := c.run(ctx, chromedp.Evaluate(js, &found)); err != nil {
		return false, err
	}
	return found, nil
}

func (c *Chrome) WaitVisible(ctx context.Context, selector string) error {
	return c.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (c *Chrome) Click(ctx context.Context, selector string) error {
	return c.run(ctx, chromedp.Click(selector, chromedp.ByQuery))
}

func (c *Chrome) Fill(ctx context.Context, selector, value string) error {
	return c.run(ctx,
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

func (c *Chrome) Text(ctx context.Context, selector string) (string, error) {
	js := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		return el ? (el.textContent || "").trim() : "";
	})()`, strconv.Quote(selector))
	var text string
	if err := c.run(ctx, chromedp.Evaluate(js, &text)); err != nil {
		return "", err
	}
	return text, nil
}

func (c *Chrome) Texts(ctx context.Context, selector string) ([]string, error) {
	js := fmt.Sprintf(`Array.from(document.querySelectorAll(%s))
		.map(el => (el.textContent || "").trim())
		.filter(t => t.length > 0)`, strconv.Quote(selector))
	var texts []string
	if err := c.run(ctx, chromedp.Evaluate(js, &texts)); err != nil {
		return nil, err
	}
	return texts, nil
}

func (c *Chrome) ImageSources(ctx context.Context, selector string, minWidth int) ([]string, error) {
	js := fmt.Sprintf(`Array.from(document.querySelectorAll(%s))
		.filter(img => %d === 0 || img.naturalWidth >= %d || img.clientWidth >= %d)
		.map(img => img.currentSrc || img.src)
		.filter(src => src && src.length > 0)`,
		strconv.Quote(selector), minWidth, minWidth, minWidth)
	var sources []string
	if err := c.run(ctx, chromedp.Evaluate(js, &sources)); err != nil {
		return nil, err
	}
	return sources, nil
}

func (c *Chrome) FetchAsDataURL(ctx context.Context, url string) (string, error) {
	js := fmt.Sprintf(`(async () => {
		const resp = await fetch(%s);
		const blob = await resp.blob();
		return await new Promise((resolve, reject) => {
			const reader = new FileReader();
			reader.onload = () => resolve(reader.result);
			reader.onerror = () => reject(reader.error);
			reader.readAsDataURL(blob);
		});
	})()`, strconv.Quote(url))
	var dataURL string
	err := c.run(ctx, chromedp.Evaluate(js, &dataURL, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
	if err != nil {
		return "", fmt.Errorf("resolve in-page reference: %w", err)
	}
	return dataURL, nil
}

func (c *Chrome) SetCookies(ctx context.Context, cookies []Cookie) error {
	action := chromedp.ActionFunc(func(ctx context.Context) error {
		for _, ck := range cookies {
			p := network.SetCookie(ck.Name, ck.Value).
				WithDomain(ck.Domain).
				WithPath(defaultPath(ck.Path)).
				WithSecure(ck.Secure).
				WithHTTPOnly(ck.HTTPOnly).
				WithSameSite(sameSiteOf(ck.SameSite))
			if ck.Expires > 0 {
				expires := cdpTimeSinceEpoch(ck.Expires)
				p = p.WithExpires(&expires)
			}
			if err := p.Do(ctx); err != nil {
				return errs.New(errs.KindCredentialInstallFailed, "install cookie %q: %v", ck.Name, err)
			}
		}
		return nil
	})
	return c.run(ctx, action)
}

func (c *Chrome) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := c.run(ctx, chromedp.FullScreenshot(&buf, 80)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *Chrome) Close() error {
	c.cancelTab()
	c.cancelAlloc()
	return nil
}

func defaultPath(p string) string {
	if p == "" {
		return "/"
	}
	return p
}

func sameSiteOf(s string) network.CookieSameSite {
	switch strings.ToLower(s) {
	case "strict":
		return network.CookieSameSiteStrict
	case "none":
		return network.CookieSameSiteNone
	default:
		return network.CookieSameSiteLax
	}
}

func cdpTimeSinceEpoch(unixSeconds float64) cdp.TimeSinceEpoch {
	sec := int64(unixSeconds)
	nsec := int64((unixSeconds - float64(sec)) * float64(time.Second))
	return cdp.TimeSinceEpoch(time.Unix(sec, nsec))
}
