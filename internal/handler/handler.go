package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/credential"
	"qrattend/internal/log"
	"qrattend/internal/queue"
	"qrattend/internal/roster"
	"qrattend/internal/token"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Handler serves the attendance HTTP API.
type Handler struct {
	svc           *attendance.Service
	queue         queue.Queue // nil: cards are rendered on demand only
	issuer        *auth.Issuer
	log           *slog.Logger
	maxImageBytes int64
	checks        map[string]HealthCheck
}

// Config carries the optional collaborators of a Handler.
type Config struct {
	Queue         queue.Queue
	Issuer        *auth.Issuer
	Logger        *slog.Logger
	MaxImageBytes int64
	HealthChecks  map[string]HealthCheck
}

// New builds a Handler around svc, filling defaults for unset Config fields.
func New(svc *attendance.Service, cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = 10 << 20
	}
	return &Handler{
		svc:           svc,
		queue:         cfg.Queue,
		issuer:        cfg.Issuer,
		log:           cfg.Logger,
		maxImageBytes: cfg.MaxImageBytes,
		checks:        cfg.HealthChecks,
	}
}

// Guards are the middleware chains protecting each route group.
type Guards struct {
	Public  []gin.HandlerFunc
	Scanner []gin.HandlerFunc
	Admin   []gin.HandlerFunc
}

// Mount registers all API routes on r.
func (h *Handler) Mount(r gin.IRouter, g Guards) {
	r.GET("/healthz", h.Healthz)

	pub := r.Group("/v1", g.Public...)
	pub.POST("/auth/refresh", h.RefreshToken)

	scan := r.Group("/v1", g.Scanner...)
	scan.POST("/verify", h.Verify)
	scan.GET("/attendance/:token", h.Status)
	scan.POST("/attendance/:token", h.Apply)

	admin := r.Group("/v1", g.Admin...)
	admin.POST("/scanners/register", h.RegisterScanner)
	admin.POST("/enroll", h.Enroll)
	admin.GET("/persons", h.ListPersons)
	admin.GET("/persons/:token/card", h.Card)
}

// ---------- Health ----------

func (h *Handler) Healthz(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range h.checks {
		ok := check(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// ---------- Tokens ----------

func (h *Handler) RegisterScanner(c *gin.Context) {
	var req struct {
		ScannerID string `json:"scanner_id" binding:"required"`
		Role      string `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.issuer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "token issuing disabled"})
		return
	}
	role := auth.RoleScanner
	if req.Role == auth.RoleAdmin {
		role = auth.RoleAdmin
	}

	tokens, err := h.issuer.Issue(req.ScannerID, role)
	if err != nil {
		h.log.Error("token issue failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusCreated, tokenResponse(tokens))
}

func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.issuer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "token issuing disabled"})
		return
	}
	tokens, err := h.issuer.Refresh(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, tokenResponse(tokens))
}

func tokenResponse(t auth.TokenPair) gin.H {
	return gin.H{
		"access_token":  t.AccessToken,
		"refresh_token": t.RefreshToken,
		"expires_at":    t.AccessExp.Unix(),
	}
}

// ---------- Verify ----------

type verifyRequest struct {
	Token       string `json:"token"`
	Base64Image string `json:"base64Image"`
}

// Verify accepts a scanned credential as a multipart "image" file, a base64
// image (optionally a data URL) or an already-decoded token, and reports
// whether it belongs to an enrolled person.
func (h *Handler) Verify(c *gin.Context) {
	if c.Request.ContentLength > h.maxImageBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"matched": false, "message": "image too large"})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxImageBytes)

	tok, err := h.credentialToken(c)
	if err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"matched": false, "message": "image too large"})
		case errors.Is(err, credential.ErrDecodeFailure):
			c.JSON(http.StatusOK, gin.H{"matched": false, "message": "no credential found"})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"matched": false, "message": err.Error()})
		}
		return
	}

	if !token.Valid(tok) {
		c.JSON(http.StatusOK, gin.H{"matched": false, "message": "no matching record"})
		return
	}
	id, err := h.svc.Verify(c.Request.Context(), tok)
	if err != nil {
		if errors.Is(err, attendance.ErrNotFound) {
			c.JSON(http.StatusOK, gin.H{"matched": false, "message": "no matching record"})
			return
		}
		h.storeFailure(c, err, gin.H{"matched": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"matched":    true,
		"name":       id.Name,
		"registerNo": id.RegisterNo,
		"token":      id.Token,
	})
}

var errNoCredential = errors.New("provide an image file, base64Image or token")

func (h *Handler) credentialToken(c *gin.Context) (string, error) {
	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		file, _, err := c.Request.FormFile("image")
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				return "", err
			}
			return "", errNoCredential
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return "", err
		}
		return credential.DecodeImage(data)
	}

	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return "", err
		}
		return "", errNoCredential
	}
	switch {
	case req.Token != "":
		return strings.TrimSpace(req.Token), nil
	case req.Base64Image != "":
		return credential.DecodeBase64(req.Base64Image)
	}
	return "", errNoCredential
}

// ---------- Attendance ----------

func (h *Handler) Status(c *gin.Context) {
	tok := c.Param("token")
	if !token.Valid(tok) {
		c.JSON(http.StatusNotFound, gin.H{"found": false, "status": attendance.StatusNA})
		return
	}
	st, err := h.svc.Status(c.Request.Context(), tok)
	if err != nil {
		if errors.Is(err, attendance.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"found": false, "status": attendance.StatusNA})
			return
		}
		h.storeFailure(c, err, gin.H{"found": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"found":      true,
		"name":       st.Name,
		"registerNo": st.RegisterNo,
		"status":     st.Status,
		"inTime":     st.InTime,
		"outTime":    st.OutTime,
	})
}

func (h *Handler) Apply(c *gin.Context) {
	var req struct {
		Action string `json:"action" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": attendance.OutcomeInvalidAction.Message()})
		return
	}

	tok := c.Param("token")
	if !token.Valid(tok) && attendance.ParseAction(req.Action).Valid() {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "no record for token"})
		return
	}

	res, err := h.svc.Apply(c.Request.Context(), tok, req.Action)
	if err != nil {
		if errors.Is(err, attendance.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "no record for token"})
			return
		}
		h.storeFailure(c, err, gin.H{"success": false})
		return
	}

	if res.Outcome == attendance.OutcomeInvalidAction {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": res.Outcome.Message()})
		return
	}
	body := gin.H{
		"success": res.Outcome.OK(),
		"message": res.Outcome.Message(),
		"outcome": res.Outcome.String(),
		"status":  res.Person.Status(),
	}
	if claims, ok := auth.FromContext(c); ok {
		log.FromContext(c.Request.Context()).Info("transition", "scanner", claims.Subject, "register_no", res.Person.RegisterNo, "outcome", res.Outcome)
	}
	c.JSON(http.StatusOK, body)
}

// ---------- Enrollment ----------

type enrollRequest struct {
	Rows []attendance.Enrollee `json:"rows" binding:"required,min=1"`
}

// Enroll accepts either a multipart "roster" file (CSV or XLSX) or a JSON
// body of rows, enrolls them, and queues a card render for each new record.
func (h *Handler) Enroll(c *gin.Context) {
	var rows []attendance.Enrollee
	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		file, header, err := c.Request.FormFile("roster")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "roster file required"})
			return
		}
		defer file.Close()

		format, err := roster.FormatFromName(header.Filename)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		parsed, err := roster.Parse(file, format)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rows = roster.Enrollees(parsed)
	} else {
		var req enrollRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rows = req.Rows
	}

	report, err := h.svc.Enroll(c.Request.Context(), rows)
	queued := h.queueCards(c.Request.Context(), report.Persons)
	if err != nil {
		h.storeFailure(c, err, gin.H{"report": report, "queued": queued})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "queued": queued})
}

func (h *Handler) queueCards(ctx context.Context, persons []attendance.Person) int {
	if h.queue == nil {
		return 0
	}
	queued := 0
	for _, p := range persons {
		if err := h.queue.Publish(ctx, queue.RenderCard(p.Token)); err != nil {
			h.log.Warn("queue publish failed", "register_no", p.RegisterNo, "err", err)
			continue
		}
		queued++
	}
	return queued
}

func (h *Handler) ListPersons(c *gin.Context) {
	limit, offset := 50, 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}
	persons, err := h.svc.List(c.Request.Context(), limit, offset)
	if err != nil {
		h.storeFailure(c, err, gin.H{})
		return
	}
	if persons == nil {
		persons = []attendance.Person{}
	}
	c.JSON(http.StatusOK, gin.H{"persons": persons})
}

// Card renders the credential card of a person as PNG.
func (h *Handler) Card(c *gin.Context) {
	p, err := h.svc.Person(c.Request.Context(), c.Param("token"))
	if err != nil {
		if errors.Is(err, attendance.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no record for token"})
			return
		}
		h.storeFailure(c, err, gin.H{})
		return
	}
	png, err := credential.RenderCardPNG(credential.CardData{Name: p.Name, RegisterNo: p.RegisterNo, Token: p.Token})
	if err != nil {
		h.log.Error("render card failed", "register_no", p.RegisterNo, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "render failed"})
		return
	}
	c.Header("Content-Disposition", `inline; filename="`+credential.CardFileName(p.RegisterNo, p.Token)+`"`)
	c.Header("Cache-Control", "private, max-age="+strconv.Itoa(int(time.Hour.Seconds())))
	c.Data(http.StatusOK, "image/png", png)
}

// storeFailure answers a true system error: the store is down or kept conflicting.
func (h *Handler) storeFailure(c *gin.Context, err error, body gin.H) {
	h.log.Error("request failed", "path", c.FullPath(), "err", err)
	body["message"] = "record store unavailable"
	status := http.StatusServiceUnavailable
	if !errors.Is(err, attendance.ErrStoreUnavailable) {
		status = http.StatusInternalServerError
		body["message"] = "internal error"
	}
	c.JSON(status, body)
}
