package automation

import (
	"context"
	"strings"
	"sync"

	"flywheel/internal/browser"
)

// fakeDriver matches selectors by substring so tests can flip individual
// signals on and off without caring about the full fallback chains.
type fakeDriver struct {
	mu sync.Mutex

	present map[string]bool     // substring -> element present
	texts   map[string]string   // substring -> text content
	lists   map[string][]string // substring -> text list
	images  map[string][]string // substring -> image sources
	pageURL string

	navErr     error
	navGate    chan struct{} // when set, Navigate blocks until closed or ctx done
	navStarted chan struct{} // closed on first Navigate call

	cookies       []browser.Cookie
	setCookiesErr error

	fills  map[string]string
	clicks []string

	fetchData map[string]string // blob url -> data url
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		present:   map[string]bool{},
		texts:     map[string]string{},
		lists:     map[string][]string{},
		images:    map[string][]string{},
		fills:     map[string]string{},
		fetchData: map[string]string{},
	}
}

func (d *fakeDriver) set(key string, present bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.present[key] = present
}

func (d *fakeDriver) Navigate(ctx context.Context, url string) error {
	d.mu.Lock()
	if d.navStarted != nil {
		select {
		case <-d.navStarted:
		default:
			close(d.navStarted)
		}
	}
	gate := d.navGate
	err := d.navErr
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (d *fakeDriver) CurrentURL(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pageURL, nil
}

func (d *fakeDriver) match(m map[string]bool, selector string) bool {
	for key, on := range m {
		if on && strings.Contains(selector, key) {
			return true
		}
	}
	return false
}

func (d *fakeDriver) Exists(ctx context.Context, selector string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.match(d.present, selector), nil
}

func (d *fakeDriver) WaitVisible(ctx context.Context, selector string) error { return nil }

func (d *fakeDriver) Click(ctx context.Context, selector string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clicks = append(d.clicks, selector)
	return nil
}

func (d *fakeDriver) Fill(ctx context.Context, selector, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fills[selector] = value
	return nil
}

func (d *fakeDriver) Text(ctx context.Context, selector string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, text := range d.texts {
		if strings.Contains(selector, key) {
			return text, nil
		}
	}
	return "", nil
}

func (d *fakeDriver) Texts(ctx context.Context, selector string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, list := range d.lists {
		if strings.Contains(selector, key) {
			return list, nil
		}
	}
	return nil, nil
}

func (d *fakeDriver) ImageSources(ctx context.Context, selector string, minWidth int) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, srcs := range d.images {
		if strings.Contains(selector, key) {
			return srcs, nil
		}
	}
	return nil, nil
}

func (d *fakeDriver) FetchAsDataURL(ctx context.Context, url string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fetchData[url], nil
}

func (d *fakeDriver) SetCookies(ctx context.Context, cookies []browser.Cookie) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.setCookiesErr != nil {
		return d.setCookiesErr
	}
	d.cookies = append(d.cookies, cookies...)
	return nil
}

func (d *fakeDriver) Screenshot(ctx context.Context) ([]byte, error) {
	return []byte("png"), nil
}

func (d *fakeDriver) Close() error { return nil }
