package automation

// The external surface offers no stable contract, so every lookup is an
// ordered list of independent selector strategies. Keeping them as data means
// a drifted selector is a one-line fix and each probe stays testable on its
// own.

// sessionSignal is one layered indicator for the session check. Signals are
// evaluated in order; the first match is authoritative.
type sessionSignal struct {
	name     string
	selector string
	active   bool // session state when the signal matches
}

var sessionSignals = []sessionSignal{
	{
		name:     "logged-in indicator",
		selector: `[data-testid="user-avatar"], header [class*="avatar"], nav [class*="account-menu"]`,
		active:   true,
	},
	{
		name:     "sign-in affordance",
		selector: `a[href*="/login"], a[href*="/signin"], [data-testid="login-button"], button[class*="sign-in"]`,
		active:   false,
	},
}

// Prompt submission.
var promptSelectors = []string{
	`textarea[data-testid="idea-input"]`,
	`textarea[placeholder*="idea" i]`,
	`textarea[placeholder*="describe" i]`,
	`form textarea`,
}

var generateButtonSelectors = []string{
	`button[data-testid="generate"]`,
	`button[class*="generate" i]`,
	`form button[type="submit"]`,
}

// Generation output and progress.
const (
	selOutputContainer = `[data-testid="generation-output"], [class*="generation-result"], [class*="campaign-output"]`
	selOutputImages    = `[data-testid="generation-output"] img, [class*="generation-result"] img, [class*="campaign-output"] img`
	selLoading         = `[data-testid="loading"], [class*="spinner"], [aria-busy="true"]`
	selCaptionPrimary  = `[data-testid="generated-caption"], [class*="caption-text"]`
	selOutputTexts     = `[data-testid="generation-output"] p, [class*="generation-result"] p, [class*="campaign-output"] p, [data-testid="generation-output"] span`
)

// Brand profile bootstrap.
const selProfileReady = `[data-testid="brand-profile-ready"], [class*="brand-profile"][class*="complete"]`

var profileInputSelectors = []string{
	`input[data-testid="profile-url"]`,
	`input[placeholder*="profile" i]`,
	`input[type="url"]`,
}

var profileSubmitSelectors = []string{
	`button[data-testid="import-profile"]`,
	`button[class*="import" i]`,
	`form button[type="submit"]`,
}
