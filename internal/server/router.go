// Package server exposes the room coordinator over HTTP: a claim endpoint
// that issues edit-capability cookies, a read-only canonical text endpoint,
// an owner-guarded administrative surface and the websocket session route.
package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/scribe/backend/internal/capability"
	"github.com/MarcoPoloResearchLab/scribe/backend/internal/room"
	"github.com/MarcoPoloResearchLab/scribe/backend/internal/storage"
)

// EditCookieName carries the signed edit capability, scoped per room by path.
const EditCookieName = "scribe_edit"

var (
	errMissingRegistry = errors.New("room registry dependency required")
	errMissingSessions = errors.New("session validator dependency required")
	errMissingVerifier = errors.New("capability verifier dependency required")
)

// Dependencies bundles what the HTTP surface needs.
type Dependencies struct {
	Rooms           *room.Registry
	Sessions        *capability.SessionValidator
	Verifier        *capability.Verifier
	Logger          *zap.Logger
	MaxMessageBytes int64
	SecureCookies   bool
}

// NewHTTPHandler wires the routes and returns the handler.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Rooms == nil {
		return nil, errMissingRegistry
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxMessageBytes := deps.MaxMessageBytes
	if maxMessageBytes <= 0 {
		maxMessageBytes = 2 << 20
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{
		rooms:           deps.Rooms,
		sessions:        deps.Sessions,
		verifier:        deps.Verifier,
		logger:          logger,
		maxMessageBytes: maxMessageBytes,
		secureCookies:   deps.SecureCookies,
	}

	router.POST("/rooms/:docId", handler.handleInitialize)
	router.POST("/rooms/:docId/claim", handler.handleClaim)
	router.POST("/rooms/:docId/verify-token", handler.handleVerifyToken)
	router.GET("/rooms/:docId/text", handler.handleText)
	router.GET("/rooms/:docId/ws", handler.handleWebsocket)

	owned := router.Group("/rooms/:docId")
	owned.Use(handler.requireOwner)
	owned.GET("/meta", handler.handleMeta)
	owned.POST("/token", handler.handleUpdateToken)
	owned.PUT("/remote-link", handler.handleUpdateRemoteLink)

	return router, nil
}

type httpHandler struct {
	rooms           *room.Registry
	sessions        *capability.SessionValidator
	verifier        *capability.Verifier
	logger          *zap.Logger
	maxMessageBytes int64
	secureCookies   bool
}

const userIDContextKey = "scribe_user_id"

// sessionUser resolves the authenticated user from the session cookie or a
// bearer token, returning empty for anonymous requests.
func (h *httpHandler) sessionUser(c *gin.Context) string {
	if userID, err := h.sessions.ValidateRequest(c.Request); err == nil {
		return userID
	}
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if userID, err := h.sessions.ValidateToken(token); err == nil {
			return userID
		}
	}
	return ""
}

func (h *httpHandler) actorFor(c *gin.Context) (*room.Actor, bool) {
	actor, err := h.rooms.Get(c.Param("docId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "unknown_room"})
		return nil, false
	}
	return actor, true
}

type initializeRequestPayload struct {
	OwnerUserID   string `json:"ownerUserId"`
	EditTokenHash string `json:"editTokenHash"`
}

func (h *httpHandler) handleInitialize(c *gin.Context) {
	var request initializeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.EditTokenHash) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_request"})
		return
	}
	if request.OwnerUserID != "" && request.OwnerUserID != h.sessionUser(c) {
		c.JSON(http.StatusForbidden, gin.H{"ok": false, "error": "owner_mismatch"})
		return
	}

	actor, found := h.actorFor(c)
	if !found {
		return
	}
	err := actor.Initialize(c.Request.Context(), request.OwnerUserID, request.EditTokenHash)
	switch {
	case errors.Is(err, room.ErrRoomAlreadyInitialized):
		c.JSON(http.StatusConflict, gin.H{"ok": false, "error": "already_initialized"})
	case err != nil:
		h.logger.Error("room initialization failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "initialize_failed"})
	default:
		c.JSON(http.StatusCreated, gin.H{"ok": true})
	}
}

type claimRequestPayload struct {
	Token string `json:"token"`
}

func (h *httpHandler) handleClaim(c *gin.Context) {
	var request claimRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Token) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_request"})
		return
	}

	actor, found := h.actorFor(c)
	if !found {
		return
	}
	docID := c.Param("docId")
	grant, err := actor.Claim(c.Request.Context(), request.Token)
	switch {
	case errors.Is(err, room.ErrRoomNotInitialized):
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "unknown_room"})
		return
	case errors.Is(err, capability.ErrTokenMismatch):
		c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "invalid_token"})
		return
	case err != nil:
		h.logger.Error("claim failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "claim_failed"})
		return
	}

	http.SetCookie(c.Writer, &http.Cookie{
		Name:     EditCookieName,
		Value:    grant.Value,
		Path:     "/rooms/" + docID,
		MaxAge:   int(h.verifier.CookieTTL() / time.Second),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
	c.JSON(http.StatusOK, gin.H{"ok": true, "expiresAt": grant.ExpiresAt.Unix()})
}

type verifyTokenRequestPayload struct {
	TokenHash string `json:"tokenHash"`
}

func (h *httpHandler) handleVerifyToken(c *gin.Context) {
	var request verifyTokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.TokenHash) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_request"})
		return
	}

	actor, found := h.actorFor(c)
	if !found {
		return
	}
	valid, err := actor.VerifyToken(c.Request.Context(), request.TokenHash)
	switch {
	case errors.Is(err, room.ErrRoomNotInitialized):
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "unknown_room"})
	case err != nil:
		h.logger.Error("token verification failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "verify_failed"})
	default:
		c.JSON(http.StatusOK, gin.H{"ok": true, "valid": valid})
	}
}

func (h *httpHandler) handleText(c *gin.Context) {
	actor, found := h.actorFor(c)
	if !found {
		return
	}
	text, err := actor.RawText(c.Request.Context())
	switch {
	case errors.Is(err, room.ErrRoomNotInitialized):
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "unknown_room"})
	case err != nil:
		h.logger.Error("canonical text lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "text_failed"})
	default:
		c.String(http.StatusOK, text)
	}
}

// requireOwner resolves the session user and verifies it owns the room.
func (h *httpHandler) requireOwner(c *gin.Context) {
	userID := h.sessionUser(c)
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
		return
	}
	actor, err := h.rooms.Get(c.Param("docId"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"ok": false, "error": "unknown_room"})
		return
	}
	meta, err := actor.Meta(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"ok": false, "error": "unknown_room"})
		return
	}
	if meta.OwnerUserID == "" || meta.OwnerUserID != userID {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"ok": false, "error": "forbidden"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

type remoteLinkPayload struct {
	RemoteID string `json:"remoteId"`
	FileName string `json:"fileName"`
	ETag     string `json:"etag,omitempty"`
}

type metaResponsePayload struct {
	DocID          string             `json:"docId"`
	OwnerUserID    string             `json:"ownerUserId,omitempty"`
	RemoteLink     *remoteLinkPayload `json:"remoteLink,omitempty"`
	CreatedAt      int64              `json:"createdAt"`
	LastActivityAt int64              `json:"lastActivityAt"`
	Initialized    bool               `json:"initialized"`
}

func (h *httpHandler) handleMeta(c *gin.Context) {
	actor, found := h.actorFor(c)
	if !found {
		return
	}
	meta, err := actor.Meta(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "unknown_room"})
		return
	}
	response := metaResponsePayload{
		DocID:          meta.DocID,
		OwnerUserID:    meta.OwnerUserID,
		CreatedAt:      meta.CreatedAt.Unix(),
		LastActivityAt: meta.LastActivityAt.Unix(),
		Initialized:    meta.Initialized,
	}
	if meta.RemoteLink != nil {
		response.RemoteLink = &remoteLinkPayload{
			RemoteID: meta.RemoteLink.RemoteID,
			FileName: meta.RemoteLink.FileName,
			ETag:     meta.RemoteLink.ETag,
		}
	}
	c.JSON(http.StatusOK, response)
}

type updateTokenRequestPayload struct {
	EditTokenHash string `json:"editTokenHash"`
}

func (h *httpHandler) handleUpdateToken(c *gin.Context) {
	var request updateTokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.EditTokenHash) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_request"})
		return
	}
	actor, found := h.actorFor(c)
	if !found {
		return
	}
	if err := actor.UpdateToken(c.Request.Context(), request.EditTokenHash); err != nil {
		h.logger.Error("token rotation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "update_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type updateRemoteLinkRequestPayload struct {
	Link *remoteLinkPayload `json:"link"`
}

func (h *httpHandler) handleUpdateRemoteLink(c *gin.Context) {
	var request updateRemoteLinkRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_request"})
		return
	}
	var link *storage.RemoteLink
	if request.Link != nil {
		if strings.TrimSpace(request.Link.RemoteID) == "" || strings.TrimSpace(request.Link.FileName) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_request"})
			return
		}
		link = &storage.RemoteLink{
			RemoteID: request.Link.RemoteID,
			FileName: request.Link.FileName,
			ETag:     request.Link.ETag,
		}
	}
	actor, found := h.actorFor(c)
	if !found {
		return
	}
	if err := actor.UpdateRemoteLink(c.Request.Context(), link); err != nil {
		h.logger.Error("remote link update failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "update_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *httpHandler) handleWebsocket(c *gin.Context) {
	userID := h.sessionUser(c)
	editCookie := ""
	if cookie, err := c.Request.Cookie(EditCookieName); err == nil {
		editCookie = cookie.Value
	}

	actor, err := h.rooms.Get(c.Param("docId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "unknown_room"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := newWSConnection(ws, h.logger)
	_, err = actor.Connect(c.Request.Context(), conn, room.ConnectAuth{
		UserID:     userID,
		EditCookie: editCookie,
	})
	switch {
	case errors.Is(err, room.ErrRoomFull):
		rejectSocket(ws, closeCodeRoomFull, "room full")
		return
	case errors.Is(err, room.ErrRoomNotInitialized):
		rejectSocket(ws, closeCodeNotInitialized, "room not initialized")
		return
	case err != nil:
		rejectSocket(ws, websocket.CloseGoingAway, "")
		return
	}

	go conn.writePump()
	conn.readPump(actor, h.maxMessageBytes)
	actor.Disconnect(conn)
	conn.Close(room.CloseShutdown)
}
