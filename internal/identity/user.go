package identity

import "strings"

// Provider identifies which raw identity source produced the current user.
// At most one provider is active at a time; switching providers fully resets
// the unified user before re-populating it.
type Provider string

const (
	// ProviderSession is the direct database-backed cookie session path.
	ProviderSession Provider = "session"
	// ProviderWallet is the embedded-wallet/social-login capability source.
	ProviderWallet Provider = "wallet"
)

// UnifiedUser is the single merged user model produced by the reconciler.
// Empty strings mean "not resolved yet"; GithubUsername and WalletAddress
// double as capability flags.
type UnifiedUser struct {
	ID              string
	Email           string
	Name            string
	AvatarURL       string
	GithubUsername  string
	LinkedinProfile string
	WalletAddress   string
	WalletType      string
	AuthProvider    Provider
	ProviderUserID  string
}

// HasGithub reports whether a GitHub account is linked.
func (u UnifiedUser) HasGithub() bool {
	return u.GithubUsername != ""
}

// HasWallet reports whether a wallet address has been resolved.
func (u UnifiedUser) HasWallet() bool {
	return u.WalletAddress != ""
}

// mergeGaps fills fields that are empty on the receiver from the other user.
// In-memory data wins on conflicts; persisted data only fills gaps.
func (u UnifiedUser) mergeGaps(persisted UnifiedUser) UnifiedUser {
	merged := u
	if merged.Email == "" {
		merged.Email = persisted.Email
	}
	if merged.Name == "" {
		merged.Name = persisted.Name
	}
	if merged.AvatarURL == "" {
		merged.AvatarURL = persisted.AvatarURL
	}
	if merged.GithubUsername == "" {
		merged.GithubUsername = persisted.GithubUsername
	}
	if merged.LinkedinProfile == "" {
		merged.LinkedinProfile = persisted.LinkedinProfile
	}
	if merged.WalletAddress == "" {
		merged.WalletAddress = persisted.WalletAddress
		if merged.WalletType == "" {
			merged.WalletType = persisted.WalletType
		}
	}
	return merged
}

// displayName picks the best-effort display name for a user: explicit name,
// then GitHub username, then the email local part, then a generic fallback.
func displayName(explicit, githubUsername, email string) string {
	if name := strings.TrimSpace(explicit); name != "" {
		return name
	}
	if githubUsername != "" {
		return githubUsername
	}
	if email != "" {
		if at := strings.IndexByte(email, '@'); at > 0 {
			return email[:at]
		}
		return email
	}
	return "User"
}
