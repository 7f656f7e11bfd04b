// Package github resolves email and display identity for a linked GitHub
// account through a tiered fallback: the authenticated email list when an
// access token is present, the public profile otherwise, and an empty result
// when both fail. Callers proceed without enrichment rather than fail the
// authentication.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gigboard/gigboard/internal/identity"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	defaultAPIBase    = "https://api.github.com"
	defaultHTTPWindow = 10 * time.Second
	acceptHeader      = "application/vnd.github+json"
)

var errMissingUsername = errors.New("github: account username required")

// ResolverConfig bundles the resolver's dependencies.
type ResolverConfig struct {
	// APIBase overrides the GitHub API origin; tests point it at a local server.
	APIBase    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Resolver performs the tiered GitHub lookups.
type Resolver struct {
	apiBase    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewResolver constructs a resolver with sane defaults.
func NewResolver(cfg ResolverConfig) *Resolver {
	apiBase := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPWindow}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{apiBase: apiBase, httpClient: httpClient, logger: logger}
}

type emailEntry struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

type publicProfile struct {
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

// Resolve returns the best-available enrichment for the linked account. It
// returns an error only for unusable input; lookup failures degrade to the
// next tier and ultimately to an empty result.
func (r *Resolver) Resolve(ctx context.Context, account identity.GithubAccount) (identity.Enrichment, error) {
	if strings.TrimSpace(account.Username) == "" && account.AccessToken == "" {
		return identity.Enrichment{}, errMissingUsername
	}

	if account.AccessToken != "" {
		enrichment, err := r.resolveAuthenticated(ctx, account)
		if err == nil && enrichment.Email != "" {
			return enrichment, nil
		}
		if err != nil {
			r.logger.Debug("authenticated email lookup failed, falling back to public profile",
				zap.String("username", account.Username),
				zap.Error(err),
			)
		}
	}

	if account.Username == "" {
		return identity.Enrichment{}, nil
	}

	enrichment, err := r.resolvePublic(ctx, account.Username)
	if err != nil {
		r.logger.Debug("public profile lookup failed",
			zap.String("username", account.Username),
			zap.Error(err),
		)
		return identity.Enrichment{GithubUsername: account.Username}, nil
	}
	return enrichment, nil
}

// resolveAuthenticated fetches the token holder's email list and picks the
// best entry: primary and verified, then primary, then verified, then first.
func (r *Resolver) resolveAuthenticated(ctx context.Context, account identity.GithubAccount) (identity.Enrichment, error) {
	token := &oauth2.Token{AccessToken: account.AccessToken}
	client := oauth2.NewClient(
		context.WithValue(ctx, oauth2.HTTPClient, r.httpClient),
		oauth2.StaticTokenSource(token),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.apiBase+"/user/emails", nil)
	if err != nil {
		return identity.Enrichment{}, err
	}
	req.Header.Set("Accept", acceptHeader)

	response, err := client.Do(req)
	if err != nil {
		return identity.Enrichment{}, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return identity.Enrichment{}, fmt.Errorf("github: email list returned status %d", response.StatusCode)
	}

	var emails []emailEntry
	if err := json.NewDecoder(response.Body).Decode(&emails); err != nil {
		return identity.Enrichment{}, err
	}
	if len(emails) == 0 {
		return identity.Enrichment{}, errors.New("github: empty email list")
	}

	return identity.Enrichment{
		Email:          pickEmail(emails),
		GithubUsername: account.Username,
	}, nil
}

func pickEmail(emails []emailEntry) string {
	var primary, verified string
	for _, entry := range emails {
		if entry.Primary && entry.Verified {
			return entry.Email
		}
		if entry.Primary && primary == "" {
			primary = entry.Email
		}
		if entry.Verified && verified == "" {
			verified = entry.Email
		}
	}
	if primary != "" {
		return primary
	}
	if verified != "" {
		return verified
	}
	return emails[0].Email
}

// resolvePublic looks up the public profile by username. Public profiles
// commonly omit the email; whatever the endpoint exposes is returned.
func (r *Resolver) resolvePublic(ctx context.Context, username string) (identity.Enrichment, error) {
	endpoint := r.apiBase + "/users/" + url.PathEscape(username)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return identity.Enrichment{}, err
	}
	req.Header.Set("Accept", acceptHeader)

	response, err := r.httpClient.Do(req)
	if err != nil {
		return identity.Enrichment{}, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return identity.Enrichment{}, fmt.Errorf("github: profile returned status %d", response.StatusCode)
	}

	var profile publicProfile
	if err := json.NewDecoder(response.Body).Decode(&profile); err != nil {
		return identity.Enrichment{}, err
	}

	name := profile.Name
	if name == "" {
		name = profile.Login
	}
	return identity.Enrichment{
		Email:          profile.Email,
		Name:           name,
		AvatarURL:      profile.AvatarURL,
		GithubUsername: profile.Login,
	}, nil
}
