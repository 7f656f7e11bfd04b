package server

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gigboard/gigboard/internal/applications"
	"github.com/gigboard/gigboard/internal/auth"
	"github.com/gigboard/gigboard/internal/eligibility"
	"github.com/gigboard/gigboard/internal/identity"
	"github.com/gigboard/gigboard/internal/notify"
	"github.com/gigboard/gigboard/internal/storage"
	"github.com/gigboard/gigboard/internal/store"
	"github.com/gigboard/gigboard/internal/walletauth"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	sessionIDCookie   = "gigboard_sid"
	sessionCookieAge  = int(24 * time.Hour / time.Second)
	sessionContextKey = "gigboard_session"

	maxUploadBytes = 10 << 20
)

var (
	errMissingSessionManager = errors.New("session manager dependency required")
	errMissingValidator      = errors.New("session validator dependency required")
	errMissingIssuer         = errors.New("token issuer dependency required")
	errMissingStore          = errors.New("store dependency required")
	errMissingObjectStore    = errors.New("object store dependency required")
)

// Dependencies wires the HTTP facade.
type Dependencies struct {
	Sessions  *SessionManager
	Validator *auth.SessionValidator
	Issuer    *auth.TokenIssuer
	Store     *store.Store
	Objects   storage.ObjectStore
	Tracker   identity.Tracker
	Logger    *zap.Logger
	Clock     func() time.Time
}

// NewHTTPHandler builds the gin router for the marketplace API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionManager
	}
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Issuer == nil {
		return nil, errMissingIssuer
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Objects == nil {
		return nil, errMissingObjectStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions:  deps.Sessions,
		validator: deps.Validator,
		issuer:    deps.Issuer,
		store:     deps.Store,
		objects:   deps.Objects,
		tracker:   deps.Tracker,
		logger:    logger,
		clock:     clock,
	}

	router.Use(handler.withSession)

	router.POST("/auth/session", handler.handleLegacyLogin)
	router.POST("/auth/signin", handler.handleSignIn)
	router.POST("/auth/signout", handler.handleSignOut)
	router.GET("/auth/me", handler.handleMe)
	router.POST("/auth/email", handler.handleEmailUpdate)
	router.POST("/auth/wallet/state", handler.handleWalletState)
	router.GET("/auth/wallet/directives", handler.handleWalletDirectives)
	router.POST("/auth/wallet/setup", handler.handleWalletSetup)

	router.POST("/apply", handler.handleApply)
	router.GET("/opportunities", handler.handleOpportunities)
	router.POST("/applications", handler.handleApplicationSubmit)
	router.GET("/applications/status", handler.handleApplicationStatus)
	router.GET("/notices", handler.handleNotices)

	router.POST("/uploads/resume", handler.requireUser, handler.handleResumeUpload)
	router.POST("/uploads/job-description", handler.handleJobDescriptionUpload)

	return router, nil
}

type httpHandler struct {
	sessions  *SessionManager
	validator *auth.SessionValidator
	issuer    *auth.TokenIssuer
	store     *store.Store
	objects   storage.ObjectStore
	tracker   identity.Tracker
	logger    *zap.Logger
	clock     func() time.Time
}

// withSession resolves the per-browser bundle from the opaque session
// cookie, creating one on first contact. A valid legacy JWT on a bundle
// with no legacy claims rehydrates them, so server restarts do not log
// cookie-holding users out.
func (h *httpHandler) withSession(c *gin.Context) {
	var session *Session
	if id, err := c.Cookie(sessionIDCookie); err == nil && id != "" {
		session, _ = h.sessions.Acquire(id)
	}
	if session == nil {
		created, err := h.sessions.Create()
		if err != nil {
			h.logger.Error("session bundle creation failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session_unavailable"})
			return
		}
		session = created
		c.SetCookie(sessionIDCookie, session.ID, sessionCookieAge, "/", "", false, true)
	}

	if session.legacy.Empty() {
		if claims, err := h.validator.ValidateRequest(c.Request); err == nil {
			session.RehydrateLegacy(sessionClaimsFromToken(claims))
		}
	}

	c.Set(sessionContextKey, session)
	c.Next()
}

func (h *httpHandler) session(c *gin.Context) *Session {
	value, _ := c.Get(sessionContextKey)
	session, _ := value.(*Session)
	return session
}

// requireUser rejects requests with no resolved unified user.
func (h *httpHandler) requireUser(c *gin.Context) {
	session := h.session(c)
	if session == nil || session.Reconciler.Snapshot().User == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func sessionClaimsFromToken(claims auth.SessionClaims) *identity.SessionClaims {
	return &identity.SessionClaims{
		UserID:          claims.UserID,
		Email:           claims.UserEmail,
		Name:            claims.UserDisplayName,
		AvatarURL:       claims.UserAvatarURL,
		GithubUsername:  claims.GithubUsername,
		LinkedinProfile: claims.LinkedinProfile,
	}
}

type legacyLoginPayload struct {
	UserID          string `json:"user_id"`
	Email           string `json:"email"`
	Name            string `json:"name"`
	AvatarURL       string `json:"avatar_url"`
	GithubUsername  string `json:"github_username"`
	LinkedinProfile string `json:"linkedin_profile"`
}

type legacyLoginResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// handleLegacyLogin issues a session JWT for a profile the upstream
// identity gateway already verified, sets the session cookie, and feeds
// the claims to the reconciler.
func (h *httpHandler) handleLegacyLogin(c *gin.Context) {
	var request legacyLoginPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Email) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID := strings.TrimSpace(request.UserID)
	if userID == "" {
		userID = uuid.NewString()
	}

	token, expiresIn, err := h.issuer.IssueSessionToken(auth.SessionProfile{
		UserID:          userID,
		Email:           request.Email,
		DisplayName:     request.Name,
		AvatarURL:       request.AvatarURL,
		GithubUsername:  request.GithubUsername,
		LinkedinProfile: request.LinkedinProfile,
	})
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.SetCookie(h.validator.CookieName(), token, int(expiresIn), "/", "", false, true)

	h.session(c).SetLegacy(&identity.SessionClaims{
		UserID:          userID,
		Email:           request.Email,
		Name:            request.Name,
		AvatarURL:       request.AvatarURL,
		GithubUsername:  request.GithubUsername,
		LinkedinProfile: request.LinkedinProfile,
	})

	c.JSON(http.StatusOK, legacyLoginResponse{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type signInPayload struct {
	Destination string `json:"destination"`
}

func (h *httpHandler) handleSignIn(c *gin.Context) {
	// An empty body is a plain sign-in with no destination.
	var request signInPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}

	err := h.session(c).Reconciler.SignIn(c.Request.Context(), request.Destination)
	if errors.Is(err, identity.ErrAlreadyAuthenticated) {
		c.JSON(http.StatusConflict, gin.H{"error": "already_authenticated"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signin_failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "pending"})
}

func (h *httpHandler) handleSignOut(c *gin.Context) {
	session := h.session(c)
	if err := session.Reconciler.SignOut(c.Request.Context()); err != nil {
		h.logger.Warn("sign-out completed with provider error", zap.Error(err))
	}
	c.SetCookie(h.validator.CookieName(), "", -1, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"status": "signed_out"})
}

type userPayload struct {
	ID              string `json:"id"`
	Email           string `json:"email,omitempty"`
	Name            string `json:"name,omitempty"`
	AvatarURL       string `json:"avatarUrl,omitempty"`
	GithubUsername  string `json:"githubUsername,omitempty"`
	LinkedinProfile string `json:"linkedinProfile,omitempty"`
	WalletAddress   string `json:"walletAddress,omitempty"`
	WalletType      string `json:"walletType,omitempty"`
	AuthProvider    string `json:"authProvider"`
}

type mePayload struct {
	User          *userPayload                   `json:"user"`
	Loading       bool                           `json:"loading"`
	CanApply      bool                           `json:"canApply"`
	HasGithub     bool                           `json:"hasGithub"`
	HasWallet     bool                           `json:"hasWallet"`
	Requirements  eligibility.RequirementsStatus `json:"requirements"`
	StatusMessage string                         `json:"statusMessage"`
	Redirect      string                         `json:"redirect,omitempty"`
}

// handleMe reports the unified snapshot plus the eligibility report; it
// also delivers the one-shot post-auth redirect when a destination was
// saved before sign-in.
func (h *httpHandler) handleMe(c *gin.Context) {
	session := h.session(c)
	report := session.Gate.Report()

	response := mePayload{
		Loading:       report.Loading,
		CanApply:      report.CanApply,
		HasGithub:     report.HasGithub,
		HasWallet:     report.HasWallet,
		Requirements:  report.Requirements,
		StatusMessage: report.StatusMessage,
	}
	if report.User != nil {
		response.User = userPayloadFrom(*report.User)
	}
	if destination, ok := session.Reconciler.ConsumeRedirect(); ok {
		response.Redirect = destination
	}
	c.JSON(http.StatusOK, response)
}

func userPayloadFrom(user identity.UnifiedUser) *userPayload {
	return &userPayload{
		ID:              user.ID,
		Email:           user.Email,
		Name:            user.Name,
		AvatarURL:       user.AvatarURL,
		GithubUsername:  user.GithubUsername,
		LinkedinProfile: user.LinkedinProfile,
		WalletAddress:   user.WalletAddress,
		WalletType:      user.WalletType,
		AuthProvider:    string(user.AuthProvider),
	}
}

type emailUpdatePayload struct {
	Email string `json:"email"`
}

func (h *httpHandler) handleEmailUpdate(c *gin.Context) {
	var request emailUpdatePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Email) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if !h.session(c).Reconciler.UpdateEmail(c.Request.Context(), strings.TrimSpace(request.Email)) {
		c.JSON(http.StatusConflict, gin.H{"error": "no_active_user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (h *httpHandler) handleWalletState(c *gin.Context) {
	var payload walletauth.StatePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.session(c).Bridge.ApplyState(payload); err != nil {
		h.logger.Warn("wallet state push rejected", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_state"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleWalletDirectives(c *gin.Context) {
	directives := h.session(c).Bridge.Directives()
	if directives == nil {
		directives = []walletauth.Directive{}
	}
	c.JSON(http.StatusOK, gin.H{"directives": directives})
}

func (h *httpHandler) handleWalletSetup(c *gin.Context) {
	ready := h.session(c).Reconciler.SetupWallet(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"ready": ready})
}

type applyPayload struct {
	OpportunityID string `json:"opportunity_id"`
}

// handleApply runs the eligibility gate for one opportunity and returns
// the navigation target when the user may proceed.
func (h *httpHandler) handleApply(c *gin.Context) {
	var request applyPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	var opportunity *identity.Opportunity
	if request.OpportunityID != "" {
		row, found, err := h.store.GetOpportunity(c.Request.Context(), request.OpportunityID)
		if err != nil {
			h.logger.Error("opportunity lookup failed", zap.String("opportunity_id", request.OpportunityID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
			return
		}
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "opportunity_not_found"})
			return
		}
		opportunity = &identity.Opportunity{ID: row.ID, Title: row.Title}
	}

	destination, ok := h.session(c).Reconciler.HandleApply(c.Request.Context(), opportunity)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "not_eligible"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"destination": destination})
}

type opportunityPayload struct {
	ID                 string    `json:"id"`
	CompanyName        string    `json:"companyName"`
	Title              string    `json:"title"`
	ShortDesc          string    `json:"shortDesc,omitempty"`
	LongDescriptionURL string    `json:"longDescriptionUrl,omitempty"`
	RepoURL            string    `json:"repoUrl,omitempty"`
	IssueURL           string    `json:"issueUrl,omitempty"`
	PayoutToken        string    `json:"payoutToken,omitempty"`
	PayoutAmount       float64   `json:"payoutAmount,omitempty"`
	ChainID            int64     `json:"chainId,omitempty"`
	Deadline           time.Time `json:"deadline,omitzero"`
	Status             string    `json:"status,omitempty"`
}

func (h *httpHandler) handleOpportunities(c *gin.Context) {
	rows, err := h.store.ListOpportunities(c.Request.Context())
	if err != nil {
		h.logger.Error("opportunity listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing_failed"})
		return
	}
	payload := make([]opportunityPayload, 0, len(rows))
	for _, row := range rows {
		payload = append(payload, opportunityPayload{
			ID:                 row.ID,
			CompanyName:        row.CompanyName,
			Title:              row.Title,
			ShortDesc:          row.ShortDesc,
			LongDescriptionURL: row.LongDescriptionURL,
			RepoURL:            row.RepoURL,
			IssueURL:           row.IssueURL,
			PayoutToken:        row.PayoutToken,
			PayoutAmount:       row.PayoutAmount,
			ChainID:            row.ChainID,
			Deadline:           row.Deadline,
			Status:             row.Status,
		})
	}
	c.JSON(http.StatusOK, gin.H{"opportunities": payload})
}

type submissionPayload struct {
	OpportunityID string         `json:"opportunity_id"`
	Payload       map[string]any `json:"payload"`
}

func (h *httpHandler) handleApplicationSubmit(c *gin.Context) {
	session := h.session(c)
	user := session.Reconciler.Snapshot().User
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request submissionPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.OpportunityID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result := session.Applications.Submit(c.Request.Context(), user, applications.SubmitRequest{
		OpportunityID: request.OpportunityID,
		Payload:       request.Payload,
	})
	if result.AlreadyApplied {
		c.JSON(http.StatusConflict, gin.H{"alreadyApplied": true, "applicationId": result.ApplicationID})
		return
	}
	if !result.Submitted {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "submission_failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"applicationId": result.ApplicationID})
}

func (h *httpHandler) handleApplicationStatus(c *gin.Context) {
	session := h.session(c)
	user := session.Reconciler.Snapshot().User
	status := session.Applications.CheckStatus(c.Request.Context(), user, c.Query("opportunity_id"))
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) handleNotices(c *gin.Context) {
	notices := h.session(c).Feed.Drain()
	if notices == nil {
		notices = []notify.Notice{}
	}
	c.JSON(http.StatusOK, gin.H{"notices": notices})
}

// handleResumeUpload stores the candidate's resume blob and its metadata
// row. requireUser already guaranteed an active user.
func (h *httpHandler) handleResumeUpload(c *gin.Context) {
	user := h.session(c).Reconciler.Snapshot().User

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_file"})
		return
	}
	defer file.Close()
	if header.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file_too_large"})
		return
	}

	objectName := fmt.Sprintf("%s/%d%s", user.ID, h.clock().UnixMilli(), filepath.Ext(header.Filename))
	storedPath, err := h.objects.Put(c.Request.Context(), "resumes", objectName, file)
	if err != nil {
		h.logger.Error("resume upload failed", zap.String("user_id", user.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload_failed"})
		return
	}

	resume := store.Resume{
		ID:       uuid.NewString(),
		UserID:   user.ID,
		Filename: header.Filename,
		FilePath: storedPath,
		FileSize: header.Size,
		MimeType: header.Header.Get("Content-Type"),
	}
	if err := h.store.CreateResume(c.Request.Context(), resume); err != nil {
		h.logger.Error("resume record failed", zap.String("user_id", user.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload_failed"})
		return
	}

	h.track("ResumeUploaded", map[string]any{"userId": user.ID, "fileSize": header.Size})
	c.JSON(http.StatusCreated, gin.H{"id": resume.ID, "url": h.objects.PublicURL(storedPath)})
}

// handleJobDescriptionUpload accepts a company's job description without
// authentication; a contact email may ride along in the form.
func (h *httpHandler) handleJobDescriptionUpload(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_file"})
		return
	}
	defer file.Close()
	if header.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file_too_large"})
		return
	}

	objectName := fmt.Sprintf("%d%s", h.clock().UnixMilli(), filepath.Ext(header.Filename))
	storedPath, err := h.objects.Put(c.Request.Context(), "job-descriptions", objectName, file)
	if err != nil {
		h.logger.Error("job description upload failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload_failed"})
		return
	}

	publicURL := h.objects.PublicURL(storedPath)
	description := store.JobDescription{
		ID:        uuid.NewString(),
		Filename:  header.Filename,
		FilePath:  storedPath,
		FileSize:  header.Size,
		MimeType:  header.Header.Get("Content-Type"),
		Email:     strings.TrimSpace(c.PostForm("email")),
		PublicURL: publicURL,
	}
	if err := h.store.CreateJobDescription(c.Request.Context(), description); err != nil {
		h.logger.Error("job description record failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload_failed"})
		return
	}

	h.track("JobDescriptionUploaded", map[string]any{"fileSize": header.Size, "hasEmail": description.Email != ""})
	c.JSON(http.StatusCreated, gin.H{"id": description.ID, "url": publicURL})
}

func (h *httpHandler) track(event string, properties map[string]any) {
	if h.tracker == nil {
		return
	}
	h.tracker.Track(event, properties)
}
