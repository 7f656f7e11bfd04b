package integration_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gigboard/gigboard/internal/auth"
	"github.com/gigboard/gigboard/internal/database"
	"github.com/gigboard/gigboard/internal/github"
	"github.com/gigboard/gigboard/internal/identity"
	"github.com/gigboard/gigboard/internal/server"
	"github.com/gigboard/gigboard/internal/storage"
	"github.com/gigboard/gigboard/internal/store"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	signingSecret   = "integration-secret"
	cookieName      = "gigboard_session"
	tokenIssuerName = "gigboard-auth"
	jsonContentType = "application/json"
)

type stack struct {
	handler http.Handler
	db      *gorm.DB
}

// newStack wires the full production graph the way the binary does, with
// the GitHub API pointed at a local fixture server.
func newStack(t *testing.T) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	githubAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/user/emails":
			if r.Header.Get("Authorization") != "Bearer gh-token" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			fmt.Fprint(w, `[{"email":"octo@example.com","primary":true,"verified":true}]`)
		case "/users/octocat":
			fmt.Fprint(w, `{"login":"octocat","name":"Octo Cat","email":"","avatar_url":"https://avatars.example/octocat"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(githubAPI.Close)

	db, err := database.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()), logger)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("raw connection: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	gateway, err := store.New(store.Config{Database: db})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	resolver := github.NewResolver(github.ResolverConfig{APIBase: githubAPI.URL, Logger: logger})

	manager, err := server.NewSessionManager(server.SessionManagerConfig{
		Store:    gateway,
		Enricher: resolver,
		Intervals: identity.Intervals{
			StuckSignOut:    250 * time.Millisecond,
			DefinitiveBound: 500 * time.Millisecond,
			HardBound:       time.Second,
			ConnectGrace:    20 * time.Millisecond,
			EmbeddedGrace:   20 * time.Millisecond,
		},
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}
	t.Cleanup(manager.Close)

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(signingSecret),
		Issuer:        tokenIssuerName,
		CookieName:    cookieName,
	})
	if err != nil {
		t.Fatalf("NewSessionValidator: %v", err)
	}
	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(signingSecret),
		Issuer:        tokenIssuerName,
		Audience:      "gigboard-api",
		TokenTTL:      time.Hour,
	})

	objects, err := storage.NewDiskStore(t.TempDir(), "/files")
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:  manager,
		Validator: validator,
		Issuer:    issuer,
		Store:     gateway,
		Objects:   objects,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("NewHTTPHandler: %v", err)
	}

	return &stack{handler: handler, db: db}
}

type client struct {
	t       *testing.T
	handler http.Handler
	cookies map[string]*http.Cookie
}

func (s *stack) newClient(t *testing.T) *client {
	return &client{t: t, handler: s.handler, cookies: make(map[string]*http.Cookie)}
}

func (c *client) request(method, path string, body io.Reader) *httptest.ResponseRecorder {
	c.t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", jsonContentType)
	}
	for _, cookie := range c.cookies {
		req.AddCookie(cookie)
	}
	recorder := httptest.NewRecorder()
	c.handler.ServeHTTP(recorder, req)
	for _, cookie := range recorder.Result().Cookies() {
		if cookie.MaxAge < 0 {
			delete(c.cookies, cookie.Name)
			continue
		}
		c.cookies[cookie.Name] = cookie
	}
	return recorder
}

func (c *client) postJSON(path string, payload any) *httptest.ResponseRecorder {
	c.t.Helper()
	encoded, err := json.Marshal(payload)
	if err != nil {
		c.t.Fatalf("encode payload: %v", err)
	}
	return c.request(http.MethodPost, path, bytes.NewReader(encoded))
}

type meResponse struct {
	User *struct {
		ID             string `json:"id"`
		Email          string `json:"email"`
		Name           string `json:"name"`
		GithubUsername string `json:"githubUsername"`
		WalletAddress  string `json:"walletAddress"`
		AuthProvider   string `json:"authProvider"`
	} `json:"user"`
	Loading       bool   `json:"loading"`
	CanApply      bool   `json:"canApply"`
	HasGithub     bool   `json:"hasGithub"`
	StatusMessage string `json:"statusMessage"`
	Redirect      string `json:"redirect"`
}

func (c *client) me() meResponse {
	c.t.Helper()
	recorder := c.request(http.MethodGet, "/auth/me", nil)
	if recorder.Code != http.StatusOK {
		c.t.Fatalf("GET /auth/me = %d: %s", recorder.Code, recorder.Body.String())
	}
	var decoded meResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		c.t.Fatalf("decode /auth/me: %v", err)
	}
	return decoded
}

func (c *client) waitUntil(condition func(meResponse) bool) meResponse {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var latest meResponse
	for time.Now().Before(deadline) {
		latest = c.me()
		if condition(latest) {
			return latest
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.t.Fatalf("state never converged, last: %+v", latest)
	return latest
}

// TestWalletSignInWithGithubEnrichment walks the provider-first path: the
// browser SDK pushes an authenticated user whose email is missing, and the
// linked GitHub account's token resolves it through the email tier.
func TestWalletSignInWithGithubEnrichment(t *testing.T) {
	s := newStack(t)
	c := s.newClient(t)

	state := `{"ready":true,"authenticated":true,"user":{` +
		`"id":"did:wallet:abc",` +
		`"email":null,` +
		`"wallet":{"address":"0xabc123","walletClientType":"privy"},` +
		`"linkedAccounts":[{"type":"github_oauth","username":"octocat","name":"Octo Cat","accessToken":"gh-token"}]}}`
	recorder := c.request(http.MethodPost, "/auth/wallet/state", strings.NewReader(state))
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("wallet state push = %d: %s", recorder.Code, recorder.Body.String())
	}

	snapshot := c.waitUntil(func(m meResponse) bool {
		return m.User != nil && m.User.Email == "octo@example.com"
	})
	if snapshot.User.AuthProvider != "wallet" {
		t.Fatalf("authProvider = %q", snapshot.User.AuthProvider)
	}
	if snapshot.User.WalletAddress != "0xabc123" {
		t.Fatalf("walletAddress = %q", snapshot.User.WalletAddress)
	}
	if !snapshot.HasGithub {
		t.Fatal("expected hasGithub")
	}

	// The enriched profile is persisted under the provider id.
	c.waitUntil(func(meResponse) bool {
		var row store.Profile
		if err := s.db.Where("id = ?", "did:wallet:abc").Take(&row).Error; err != nil {
			return false
		}
		return row.Email == "octo@example.com" && row.WalletUserID == "did:wallet:abc"
	})
}

// TestLegacyLoginApplyAndSubmit walks the database-session path end to end:
// login, eligibility, apply navigation, and the submission with its
// persisted payload snapshot.
func TestLegacyLoginApplyAndSubmit(t *testing.T) {
	s := newStack(t)
	if err := s.db.Create(&store.Opportunity{ID: "opp-9", CompanyName: "Acme", Title: "Ship the thing", Status: "open"}).Error; err != nil {
		t.Fatalf("seed opportunity: %v", err)
	}

	c := s.newClient(t)
	login := c.postJSON("/auth/session", map[string]string{
		"user_id":         "user-7",
		"email":           "dev@example.com",
		"name":            "Dev Eloper",
		"github_username": "octocat",
	})
	if login.Code != http.StatusOK {
		t.Fatalf("POST /auth/session = %d: %s", login.Code, login.Body.String())
	}
	if _, ok := c.cookies[cookieName]; !ok {
		t.Fatal("expected session JWT cookie")
	}

	c.waitUntil(func(m meResponse) bool { return m.CanApply })

	apply := c.postJSON("/apply", map[string]string{"opportunity_id": "opp-9"})
	if apply.Code != http.StatusOK {
		t.Fatalf("POST /apply = %d: %s", apply.Code, apply.Body.String())
	}
	var applyResponse struct {
		Destination string `json:"destination"`
	}
	if err := json.Unmarshal(apply.Body.Bytes(), &applyResponse); err != nil {
		t.Fatalf("decode /apply: %v", err)
	}
	if !strings.Contains(applyResponse.Destination, "id=opp-9") {
		t.Fatalf("destination = %q", applyResponse.Destination)
	}

	submit := c.postJSON("/applications", map[string]any{
		"opportunity_id": "opp-9",
		"payload":        map[string]any{"coverLetter": "Ready to ship."},
	})
	if submit.Code != http.StatusCreated {
		t.Fatalf("POST /applications = %d: %s", submit.Code, submit.Body.String())
	}

	var row store.Application
	if err := s.db.Where("opportunity_id = ? AND user_id = ?", "opp-9", "user-7").Take(&row).Error; err != nil {
		t.Fatalf("application row missing: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(row.Payload), &payload); err != nil {
		t.Fatalf("decode payload snapshot: %v", err)
	}
	if payload["email"] != "dev@example.com" {
		t.Fatalf("payload email = %v", payload["email"])
	}
	if payload["coverLetter"] != "Ready to ship." {
		t.Fatalf("payload coverLetter = %v", payload["coverLetter"])
	}

	duplicate := c.postJSON("/applications", map[string]any{"opportunity_id": "opp-9"})
	if duplicate.Code != http.StatusConflict {
		t.Fatalf("duplicate submission = %d: %s", duplicate.Code, duplicate.Body.String())
	}
}

// TestSignInDeliversSavedDestination verifies that a destination handed to
// sign-in survives until the legacy session is established and is delivered
// exactly once through /auth/me.
func TestSignInDeliversSavedDestination(t *testing.T) {
	s := newStack(t)
	c := s.newClient(t)

	c.waitUntil(func(m meResponse) bool { return !m.Loading })

	signin := c.postJSON("/auth/signin", map[string]string{"destination": "/gigs/opp-9"})
	if signin.Code != http.StatusAccepted {
		t.Fatalf("POST /auth/signin = %d: %s", signin.Code, signin.Body.String())
	}

	login := c.postJSON("/auth/session", map[string]string{
		"user_id": "user-9",
		"email":   "dev@example.com",
	})
	if login.Code != http.StatusOK {
		t.Fatalf("POST /auth/session = %d: %s", login.Code, login.Body.String())
	}

	snapshot := c.waitUntil(func(m meResponse) bool { return m.Redirect != "" })
	if snapshot.Redirect != "/gigs/opp-9" {
		t.Fatalf("redirect = %q", snapshot.Redirect)
	}

	// The redirect is one-shot.
	if again := c.me(); again.Redirect != "" {
		t.Fatalf("redirect repeated: %q", again.Redirect)
	}
}
