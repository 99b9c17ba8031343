package automation

import (
	"context"
	"strings"

	"flywheel/internal/browser"
	"flywheel/internal/errs"
)

// ImportCredentials validates and installs a batch of externally-exported
// session artifacts into the browsing context. Structural validation comes
// first; the batch is then filtered to the target provider's domain family,
// and an all-irrelevant batch is rejected outright even though it validated.
// Installation failure is classified separately from validation failure.
func (e *Engine) ImportCredentials(ctx context.Context, batch []browser.Cookie) (int, error) {
	if len(batch) == 0 {
		return 0, errs.New(errs.KindInvalidCredentials, "credential batch is empty")
	}
	for i, c := range batch {
		if c.Name == "" || c.Value == "" || c.Domain == "" {
			return 0, errs.New(errs.KindInvalidCredentials,
				"credential %d is missing a name, value or domain", i)
		}
	}

	relevant := make([]browser.Cookie, 0, len(batch))
	for _, c := range batch {
		if matchesDomainFamily(c.Domain, e.cfg.CookieDomains) {
			relevant = append(relevant, normalizeCookie(c))
		}
	}
	if len(relevant) == 0 {
		return 0, errs.New(errs.KindNoRelevantCredentials,
			"none of the %d credentials match the provider domains", len(batch))
	}

	if err := e.driver.SetCookies(ctx, relevant); err != nil {
		if errs.KindOf(err) != "" {
			return 0, err
		}
		return 0, errs.New(errs.KindCredentialInstallFailed, "install credentials: %v", err)
	}
	e.log.Info("credentials imported", "accepted", len(relevant), "offered", len(batch))
	return len(relevant), nil
}

// matchesDomainFamily reports whether a cookie domain belongs to one of the
// configured provider domains, treating leading dots as equivalent.
func matchesDomainFamily(domain string, family []string) bool {
	d := strings.ToLower(strings.TrimPrefix(domain, "."))
	for _, f := range family {
		f = strings.ToLower(strings.TrimPrefix(f, "."))
		if d == f || strings.HasSuffix(d, "."+f) {
			return true
		}
	}
	return false
}

// normalizeCookie maps exporter SameSite spellings onto the small enum the
// browser accepts, with Lax as the safe default.
func normalizeCookie(c browser.Cookie) browser.Cookie {
	switch strings.ToLower(c.SameSite) {
	case "strict":
		c.SameSite = "Strict"
	case "none", "no_restriction":
		c.SameSite = "None"
	default:
		c.SameSite = "Lax"
	}
	if c.Path == "" {
		c.Path = "/"
	}
	return c
}
