// Package browser abstracts the page-level operations the automation engine
// needs from a real browser. The engine only depends on Driver; tests swap in
// a fake, production uses the chromedp-backed Chrome driver.
package browser

import (
	"context"
)

// Cookie is an externally-exported session artifact to install into the
// browsing context.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expirationDate,omitempty"` // unix seconds, 0 = session cookie
	Secure   bool    `json:"secure,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	SameSite string  `json:"sameSite,omitempty"` // normalized to Strict|Lax|None before install
}

// Driver is the set of page operations the engine drives. All calls honor the
// deadline on ctx; callers bound every wait.
type Driver interface {
	// Navigate loads url and waits for the page load event.
	Navigate(ctx context.Context, url string) error
	// CurrentURL returns the final URL after redirects.
	CurrentURL(ctx context.Context) (string, error)
	// Exists reports whether selector matches at least one element right now.
	Exists(ctx context.Context, selector string) (bool, error)
	// WaitVisible blocks until selector matches a visible element.
	WaitVisible(ctx context.Context, selector string) error
	// Click clicks the first element matching selector.
	Click(ctx context.Context, selector string) error
	// Fill sets the value of the first element matching selector.
	Fill(ctx context.Context, selector, value string) error
	// Text returns the trimmed text content of the first match, "" if none.
	Text(ctx context.Context, selector string) (string, error)
	// Texts returns the trimmed text contents of all matches.
	Texts(ctx context.Context, selector string) ([]string, error)
	// ImageSources returns the sources of rendered images matching selector
	// whose rendered or natural width is at least minWidth (0 = any).
	ImageSources(ctx context.Context, selector string, minWidth int) ([]string, error)
	// FetchAsDataURL resolves an ephemeral in-page reference (a blob: URL) by
	// fetching and re-encoding it inside the page context.
	FetchAsDataURL(ctx context.Context, url string) (string, error)
	// SetCookies installs cookies into the browsing context.
	SetCookies(ctx context.Context, cookies []Cookie) error
	// Screenshot captures a full-page snapshot as PNG bytes.
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}
