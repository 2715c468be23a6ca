package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/veilx-labs/veilx/backend/internal/documents"
	"github.com/veilx-labs/veilx/backend/internal/redaction"
	"github.com/veilx-labs/veilx/backend/internal/registry"
	"github.com/veilx-labs/veilx/backend/internal/saga"
	"github.com/veilx-labs/veilx/backend/internal/users"
	"go.uber.org/zap"
)

const ownerIDContextKey = "veilx_owner_id"

const maxUploadBytes = 32 << 20

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingSagaService   = errors.New("saga service dependency required")
	errMissingRegistrar     = errors.New("registrar dependency required")
	errMissingUsersService  = errors.New("users service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates owner bearer tokens.
type TokenManager interface {
	IssueOwnerToken(ctx context.Context, ownerID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Lister exposes the owner's registered document list.
type Lister interface {
	List(ctx context.Context, ownerID string) ([]registry.ListedFile, error)
}

// Dependencies wires the router to the services it fronts.
type Dependencies struct {
	TokenManager TokenManager
	SagaService  *saga.Service
	Registrar    Lister
	UsersService *users.Service
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router for the saga API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.SagaService == nil {
		return nil, errMissingSagaService
	}
	if deps.Registrar == nil {
		return nil, errMissingRegistrar
	}
	if deps.UsersService == nil {
		return nil, errMissingUsersService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
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
		tokens:    deps.TokenManager,
		sagas:     deps.SagaService,
		registrar: deps.Registrar,
		accounts:  deps.UsersService,
		logger:    logger,
	}

	router.POST("/auth/session", handler.handleSessionExchange)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/documents", handler.handleUpload)
	protected.GET("/documents", handler.handleList)
	protected.GET("/documents/:id/status", handler.handleStatus)
	protected.GET("/documents/:id/spans", handler.handleSpans)
	protected.GET("/documents/:id/artifact", handler.handleArtifact)
	protected.POST("/documents/:id/selection", handler.handleSelection)
	protected.POST("/documents/:id/consent", handler.handleConsent)

	return router, nil
}

type httpHandler struct {
	tokens    TokenManager
	sagas     *saga.Service
	registrar Lister
	accounts  *users.Service
	logger    *zap.Logger
}

type sessionRequestPayload struct {
	OwnerID string `json:"owner_id"`
	Email   string `json:"email"`
}

type sessionResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// handleSessionExchange trades an upstream-verified owner identity for a
// backend bearer token. Verification of the upstream login itself happens in
// front of this service.
func (h *httpHandler) handleSessionExchange(c *gin.Context) {
	var request sessionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.OwnerID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	account, err := h.accounts.EnsureAccount(c.Request.Context(), request.OwnerID, request.Email)
	if err != nil {
		h.logger.Error("failed to ensure owner account", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueOwnerToken(c.Request.Context(), account.OwnerID)
	if err != nil {
		h.logger.Error("failed to issue owner token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, sessionResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type uploadResponsePayload struct {
	DocumentID string `json:"document_id"`
	Phase      string `json:"phase"`
}

func (h *httpHandler) handleUpload(c *gin.Context) {
	ownerID, ok := h.ownerFromContext(c)
	if !ok {
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_file"})
		return
	}
	if fileHeader.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file_too_large"})
		return
	}

	category, err := documents.ParseMimeCategory(c.PostForm("file_type"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_file_type"})
		return
	}

	level := 0
	customPrompt := strings.TrimSpace(c.PostForm("custom_prompt"))
	redactImages := c.PostForm("custom_redact_images") == "true"
	if customPrompt == "" {
		level = parseLevel(c.PostForm("level"))
		if level == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_level"})
			return
		}
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_file"})
		return
	}
	defer file.Close()
	payload, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil || len(payload) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_file"})
		return
	}

	contentType := fileHeader.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	documentID, err := h.sagas.StartSaga(c.Request.Context(), ownerID, saga.UploadInput{
		FileName:     fileHeader.Filename,
		MimeCategory: category,
		ContentType:  contentType,
		Payload:      payload,
		Level:        level,
		CustomPrompt: customPrompt,
		RedactImages: redactImages,
	})
	if err != nil {
		h.respondSagaError(c, documentID.String(), err)
		return
	}

	status, err := h.sagas.GetStatus(c.Request.Context(), ownerID, documentID)
	if err != nil {
		h.logger.Error("failed to load saga status after upload", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}

	c.JSON(http.StatusCreated, uploadResponsePayload{
		DocumentID: documentID.String(),
		Phase:      string(status.Phase),
	})
}

type selectionRequestPayload struct {
	ChosenSpanIDs []string                      `json:"chosen_span_ids"`
	Mode          string                        `json:"mode"`
	Level         int                           `json:"level"`
	Custom        *redaction.CustomInstructions `json:"custom"`
}

type phaseResponsePayload struct {
	Phase     string `json:"phase"`
	LastError string `json:"last_error,omitempty"`
}

func (h *httpHandler) handleSelection(c *gin.Context) {
	ownerID, ok := h.ownerFromContext(c)
	if !ok {
		return
	}
	documentID, ok := h.documentIDFromPath(c)
	if !ok {
		return
	}

	var request selectionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	mode, err := redaction.ParseMode(request.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_mode"})
		return
	}
	selection, err := redaction.NewSelectionState(request.ChosenSpanIDs, mode, request.Level, request.Custom)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_selection"})
		return
	}

	status, err := h.sagas.SubmitSelection(c.Request.Context(), ownerID, documentID, selection)
	if err != nil {
		h.respondSagaError(c, documentID.String(), err)
		return
	}

	c.JSON(http.StatusOK, phaseResponsePayload{Phase: string(status.Phase), LastError: status.LastError})
}

type consentRequestPayload struct {
	Consent       bool   `json:"consent"`
	WalletAddress string `json:"wallet_address"`
}

func (h *httpHandler) handleConsent(c *gin.Context) {
	ownerID, ok := h.ownerFromContext(c)
	if !ok {
		return
	}
	documentID, ok := h.documentIDFromPath(c)
	if !ok {
		return
	}

	var request consentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	status, err := h.sagas.SubmitConsent(c.Request.Context(), ownerID, documentID, request.Consent, request.WalletAddress)
	if err != nil {
		h.respondSagaError(c, documentID.String(), err)
		return
	}

	c.JSON(http.StatusOK, phaseResponsePayload{Phase: string(status.Phase), LastError: status.LastError})
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	ownerID, ok := h.ownerFromContext(c)
	if !ok {
		return
	}
	documentID, ok := h.documentIDFromPath(c)
	if !ok {
		return
	}

	status, err := h.sagas.GetStatus(c.Request.Context(), ownerID, documentID)
	if err != nil {
		h.respondSagaError(c, documentID.String(), err)
		return
	}

	c.JSON(http.StatusOK, phaseResponsePayload{Phase: string(status.Phase), LastError: status.LastError})
}

type spansResponsePayload struct {
	Spans interface{} `json:"spans"`
}

func (h *httpHandler) handleSpans(c *gin.Context) {
	ownerID, ok := h.ownerFromContext(c)
	if !ok {
		return
	}
	documentID, ok := h.documentIDFromPath(c)
	if !ok {
		return
	}

	spans, _, err := h.sagas.GetDetection(c.Request.Context(), ownerID, documentID)
	if err != nil {
		h.respondSagaError(c, documentID.String(), err)
		return
	}

	c.JSON(http.StatusOK, spansResponsePayload{Spans: spans})
}

func (h *httpHandler) handleArtifact(c *gin.Context) {
	ownerID, ok := h.ownerFromContext(c)
	if !ok {
		return
	}
	documentID, ok := h.documentIDFromPath(c)
	if !ok {
		return
	}

	payload, contentType, err := h.sagas.GetArtifact(c.Request.Context(), ownerID, documentID)
	if err != nil {
		h.respondSagaError(c, documentID.String(), err)
		return
	}

	c.Data(http.StatusOK, contentType, payload)
}

type listResponsePayload struct {
	Files []registry.ListedFile `json:"files"`
}

func (h *httpHandler) handleList(c *gin.Context) {
	ownerID, ok := h.ownerFromContext(c)
	if !ok {
		return
	}

	files, err := h.registrar.List(c.Request.Context(), ownerID.String())
	if err != nil {
		if errors.Is(err, registry.ErrOwnerNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "owner_not_found"})
			return
		}
		h.logger.Error("failed to list registered documents", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	c.JSON(http.StatusOK, listResponsePayload{Files: files})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(ownerIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) ownerFromContext(c *gin.Context) (documents.OwnerID, bool) {
	raw := c.GetString(ownerIDContextKey)
	ownerID, err := documents.NewOwnerID(raw)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return ownerID, true
}

func (h *httpHandler) documentIDFromPath(c *gin.Context) (documents.DocumentID, bool) {
	documentID, err := documents.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return "", false
	}
	return documentID, true
}

// respondSagaError maps orchestrator errors onto HTTP statuses. Validation
// problems are the caller's fault; transitions out of order are conflicts;
// anything else surfaces as a saga failure without internal detail.
func (h *httpHandler) respondSagaError(c *gin.Context, documentID string, err error) {
	switch {
	case errors.Is(err, saga.ErrSagaNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "document_not_found"})
	case errors.Is(err, saga.ErrInvalidPhaseTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_phase"})
	case errors.Is(err, saga.ErrNoArtifact):
		c.JSON(http.StatusNotFound, gin.H{"error": "no_artifact"})
	case errors.Is(err, saga.ErrMissingWallet):
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_wallet"})
	case errors.Is(err, redaction.ErrInvalidSelection):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_selection"})
	case errors.Is(err, documents.ErrDocumentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "document_not_found"})
	default:
		h.logger.Error("saga operation failed",
			zap.String("document_id", documentID),
			zap.Error(err))
		body := gin.H{"error": "saga_step_failed"}
		if documentID != "" {
			// The saga row survives the failure; return the id so the client
			// can still poll status and read the recorded error.
			body["document_id"] = documentID
		}
		c.JSON(http.StatusBadGateway, body)
	}
}

func parseLevel(value string) int {
	switch strings.TrimSpace(value) {
	case "1":
		return 1
	case "2":
		return 2
	case "3":
		return 3
	case "4":
		return 4
	default:
		return 0
	}
}
