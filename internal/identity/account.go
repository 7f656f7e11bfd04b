package identity

import (
	"encoding/json"
	"fmt"
	"strings"
)

// LinkedAccount is the decoded form of one entry in the capability source's
// linked-accounts array. The provider ships these as loosely shaped objects
// discriminated by a "type" string; they are decoded exactly once at the
// boundary and the rest of the core only sees the typed variants.
type LinkedAccount interface {
	accountType() string
}

// GithubAccount is a linked GitHub OAuth account. AccessToken is present only
// when the provider was granted API scope during login.
type GithubAccount struct {
	Username    string
	Name        string
	AccessToken string
}

func (GithubAccount) accountType() string { return "github" }

// LinkedinAccount is a linked LinkedIn account.
type LinkedinAccount struct {
	Username string
	Name     string
}

func (LinkedinAccount) accountType() string { return "linkedin" }

// GoogleAccount is a linked Google account.
type GoogleAccount struct {
	Email string
	Name  string
}

func (GoogleAccount) accountType() string { return "google" }

// OtherAccount preserves entries this core does not interpret.
type OtherAccount struct {
	Type string
}

func (a OtherAccount) accountType() string { return a.Type }

type rawLinkedAccount struct {
	Type        string        `json:"type"`
	Username    string        `json:"username"`
	Name        string        `json:"name"`
	Email       providerEmail `json:"email"`
	AccessToken string        `json:"accessToken"`
}

// DecodeLinkedAccounts turns the provider's raw linked-account entries into
// typed variants. Unknown types are kept as OtherAccount rather than dropped
// so callers can log what the provider sent.
func DecodeLinkedAccounts(raw []json.RawMessage) ([]LinkedAccount, error) {
	accounts := make([]LinkedAccount, 0, len(raw))
	for i, entry := range raw {
		var decoded rawLinkedAccount
		if err := json.Unmarshal(entry, &decoded); err != nil {
			return nil, fmt.Errorf("identity: linked account %d: %w", i, err)
		}
		switch decoded.Type {
		case "github_oauth", "github":
			accounts = append(accounts, GithubAccount{
				Username:    decoded.Username,
				Name:        decoded.Name,
				AccessToken: decoded.AccessToken,
			})
		case "linkedin_oauth", "linkedin":
			accounts = append(accounts, LinkedinAccount{
				Username: decoded.Username,
				Name:     decoded.Name,
			})
		case "google_oauth", "google":
			accounts = append(accounts, GoogleAccount{
				Email: decoded.Email.String(),
				Name:  decoded.Name,
			})
		default:
			accounts = append(accounts, OtherAccount{Type: decoded.Type})
		}
	}
	return accounts, nil
}

// FindGithub returns the first linked GitHub account, if any.
func FindGithub(accounts []LinkedAccount) (GithubAccount, bool) {
	for _, account := range accounts {
		if github, ok := account.(GithubAccount); ok {
			return github, true
		}
	}
	return GithubAccount{}, false
}

// FindLinkedin returns the first linked LinkedIn account, if any.
func FindLinkedin(accounts []LinkedAccount) (LinkedinAccount, bool) {
	for _, account := range accounts {
		if linkedin, ok := account.(LinkedinAccount); ok {
			return linkedin, true
		}
	}
	return LinkedinAccount{}, false
}

// providerEmail normalizes the capability source's email field, which has
// shipped both as a bare string and as an object carrying an "address" key.
// The object form is canonical; the bare string is accepted at the boundary.
type providerEmail struct {
	address string
}

func (e providerEmail) String() string {
	return e.address
}

func (e *providerEmail) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == "" {
		e.address = ""
		return nil
	}
	if strings.HasPrefix(trimmed, "\"") {
		var bare string
		if err := json.Unmarshal(data, &bare); err != nil {
			return err
		}
		e.address = bare
		return nil
	}
	var object struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(data, &object); err != nil {
		return err
	}
	e.address = object.Address
	return nil
}

func (e providerEmail) MarshalJSON() ([]byte, error) {
	if e.address == "" {
		return []byte("null"), nil
	}
	return json.Marshal(struct {
		Address string `json:"address"`
	}{Address: e.address})
}

// ProviderWalletInfo describes the wallet attached to the capability source's user.
type ProviderWalletInfo struct {
	Address          string `json:"address"`
	WalletClientType string `json:"walletClientType"`
}

// ProviderUser is the capability source's authenticated user after boundary
// decoding: linked accounts are already typed and the email is normalized.
type ProviderUser struct {
	ID             string
	Email          string
	Wallet         *ProviderWalletInfo
	LinkedAccounts []LinkedAccount
}

type rawProviderUser struct {
	ID             string              `json:"id"`
	Email          providerEmail       `json:"email"`
	Wallet         *ProviderWalletInfo `json:"wallet"`
	LinkedAccounts []json.RawMessage   `json:"linkedAccounts"`
}

// DecodeProviderUser decodes the raw user payload pushed by the capability
// source's SDK into the typed boundary form.
func DecodeProviderUser(data []byte) (*ProviderUser, error) {
	var raw rawProviderUser
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("identity: provider user: %w", err)
	}
	if strings.TrimSpace(raw.ID) == "" {
		return nil, fmt.Errorf("identity: provider user missing id")
	}
	accounts, err := DecodeLinkedAccounts(raw.LinkedAccounts)
	if err != nil {
		return nil, err
	}
	return &ProviderUser{
		ID:             raw.ID,
		Email:          raw.Email.String(),
		Wallet:         raw.Wallet,
		LinkedAccounts: accounts,
	}, nil
}
