package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderAPIKey    = "X-API-Key" // #nosec G101 - header name constant, not a credential
	ContentTypeJSON = "application/json"
)

// API paths
const (
	PathHealthz     = "/healthz"
	PathIdeas       = "/v1/ideas"
	PathItems       = "/v1/items"
	PathAuthStatus  = "/v1/auth/status"
	PathCredentials = "/v1/auth/credentials"
	PathSettings    = "/v1/settings"
)

// Settings keys
const (
	SettingProfileSourceURL = "profile_source_url"
	// SettingPostCountPrefix is followed by a YYYY-MM month key; one counter row per month.
	SettingPostCountPrefix = "posts_"
)

// Defaults and limits
const (
	DefaultRetryAttempts = 3
	SQLiteBusyTimeoutMS  = 5000
)

// Subdirectory names
const (
	AssetsDirName = "assets"
	DebugDirName  = "debug"
)

// MonthKeyLayout formats a time into the usage-counter period key.
const MonthKeyLayout = "2006-01"
