// Package handler implements the relay's HTTP surface: token ingestion,
// snapshot queries, project listing, history, and the push channel.
package handler

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/tokenflow/tokenbridge/internal/history"
	"github.com/tokenflow/tokenbridge/internal/hub"
	"github.com/tokenflow/tokenbridge/internal/model"
	"github.com/tokenflow/tokenbridge/internal/normalize"
	"github.com/tokenflow/tokenbridge/internal/response"
	"github.com/tokenflow/tokenbridge/internal/store"
)

// DefaultProjectID is used when neither the request nor its metadata
// names a project.
const DefaultProjectID = "default"

// TokenHandler orchestrates ingestion and serves the query surface.
type TokenHandler struct {
	Store        store.SnapshotStore
	History      *history.Writer
	Hub          *hub.Hub
	Policy       normalize.Policy
	HistoryLimit int
	Logger       zerolog.Logger

	startedAt time.Time
}

// NewTokenHandler wires the handler's dependencies.
func NewTokenHandler(
	s store.SnapshotStore,
	h *history.Writer,
	hb *hub.Hub,
	historyLimit int,
	logger zerolog.Logger,
) *TokenHandler {
	return &TokenHandler{
		Store:        s,
		History:      h,
		Hub:          hb,
		Policy:       normalize.PolicyPermissive,
		HistoryLimit: historyLimit,
		Logger:       logger,
		startedAt:    time.Now(),
	}
}

type ingestRequest struct {
	Tokens    map[string]any `json:"tokens"`
	Selection any            `json:"selection"`
	Metadata  map[string]any `json:"metadata"`
}

type ingestResponse struct {
	Success         bool      `json:"success"`
	Message         string    `json:"message"`
	Timestamp       time.Time `json:"timestamp"`
	ProjectID       string    `json:"projectId"`
	SavedTo         string    `json:"savedTo"`
	ClientsNotified int       `json:"clientsNotified"`
}

type tokensResponse struct {
	Data      *model.Snapshot `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	ProjectID string          `json:"projectId"`
}

type projectsResponse struct {
	Projects      []model.ProjectSummary `json:"projects"`
	TotalProjects int                    `json:"totalProjects"`
}

type historyResponse struct {
	History []model.HistoryEntry `json:"history"`
}

type healthResponse struct {
	Status           string    `json:"status"`
	Timestamp        time.Time `json:"timestamp"`
	UptimeSeconds    float64   `json:"uptime"`
	Clients          int       `json:"clients"`
	PersistenceError string    `json:"persistenceError,omitempty"`
}

// Ingest accepts a token document, commits it, persists it, and notifies
// subscribers (POST /api/tokens).
func (h *TokenHandler) Ingest(c echo.Context) error {
	var req ingestRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "Invalid request body", "Request body must be a JSON object")
	}
	if req.Tokens == nil {
		return response.BadRequest(c, "Missing token data", "Request body must contain tokens object")
	}

	projectID := resolveProjectID(c.QueryParam("project"), req.Metadata)
	filtered := normalize.Normalize(req.Tokens, h.Policy)
	now := time.Now().UTC()

	metadata := make(map[string]any, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata["projectId"] = projectID
	metadata["normalizerVersion"] = normalize.Version

	snap := &model.Snapshot{
		Raw:         req.Tokens,
		Filtered:    filtered,
		Selection:   req.Selection,
		Metadata:    metadata,
		ExtractedAt: now,
	}

	// The in-memory commit is the point of no return: a persistence
	// failure below is reported, not rolled back.
	h.Store.Put(projectID, snap)

	savedTo, err := h.History.Append(projectID, snap)
	if err != nil {
		h.Logger.Error().Err(err).Str("project", projectID).Msg("persist snapshot failed")
		return response.InternalError(c, "Internal server error", err.Error())
	}

	notified := h.Hub.Broadcast(projectID, snap.TokenCount(), now)

	h.Logger.Info().
		Str("project", projectID).
		Int("rawTokens", len(req.Tokens)).
		Int("cleanTokens", snap.TokenCount()).
		Int("notified", notified).
		Str("savedTo", savedTo).
		Msg("token data received")

	return c.JSON(http.StatusOK, ingestResponse{
		Success:         true,
		Message:         "Token data received and stored",
		Timestamp:       now,
		ProjectID:       projectID,
		SavedTo:         savedTo,
		ClientsNotified: notified,
	})
}

// GetTokens returns a project's current snapshot (GET /api/tokens). The
// raw document is withheld unless raw=true is passed.
func (h *TokenHandler) GetTokens(c echo.Context) error {
	projectID := resolveProjectID(c.QueryParam("project"), nil)
	snap, ok := h.Store.Get(projectID)
	if !ok {
		return response.NotFoundProject(c,
			"No token data available",
			fmt.Sprintf("No tokens have been extracted for project '%s' yet. Run the authoring plugin first.", projectID),
			projectID)
	}

	data := snap
	if c.QueryParam("raw") != "true" {
		data = snap.WithoutRaw()
	}
	return c.JSON(http.StatusOK, tokensResponse{
		Data:      data,
		Timestamp: snap.ExtractedAt,
		ProjectID: projectID,
	})
}

// ListProjects returns every known project with its summary
// (GET /api/projects).
func (h *TokenHandler) ListProjects(c echo.Context) error {
	projects := h.Store.List()
	return c.JSON(http.StatusOK, projectsResponse{
		Projects:      projects,
		TotalProjects: len(projects),
	})
}

// ListHistory returns the most recent history entries for a project,
// newest first (GET /api/tokens/history).
func (h *TokenHandler) ListHistory(c echo.Context) error {
	projectID := resolveProjectID(c.QueryParam("project"), nil)
	entries, err := h.History.List(projectID, h.HistoryLimit)
	if err != nil {
		h.Logger.Error().Err(err).Str("project", projectID).Msg("read history failed")
		return response.InternalError(c, "Failed to read history", err.Error())
	}
	return c.JSON(http.StatusOK, historyResponse{History: entries})
}

// GetHistoryEntry replays one persisted snapshot in full
// (GET /api/tokens/history/:filename).
func (h *TokenHandler) GetHistoryEntry(c echo.Context) error {
	projectID := resolveProjectID(c.QueryParam("project"), nil)
	filename := c.Param("filename")

	snap, err := h.History.Load(projectID, filename)
	if errors.Is(err, history.ErrNotFound) {
		return response.NotFound(c, "File not found",
			fmt.Sprintf("No history entry '%s' for project '%s'", filename, projectID))
	}
	if err != nil {
		h.Logger.Error().Err(err).Str("project", projectID).Str("filename", filename).Msg("read history entry failed")
		return response.InternalError(c, "Failed to read file", err.Error())
	}
	return c.JSON(http.StatusOK, snap)
}

// Health reports liveness, uptime, and subscriber count (GET /health).
func (h *TokenHandler) Health(c echo.Context) error {
	resp := healthResponse{
		Status:        "ok",
		Timestamp:     time.Now().UTC(),
		UptimeSeconds: time.Since(h.startedAt).Seconds(),
		Clients:       h.Hub.Count(),
	}
	if err := h.History.LastError(); err != nil {
		resp.PersistenceError = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

// Test is a bare liveness probe for producers checking connectivity
// before they push (GET /test).
func (h *TokenHandler) Test(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"message":   "Bridge server is running!",
		"timestamp": time.Now().UTC(),
	})
}

// Subscribe upgrades the request into a push-channel subscription
// (GET /ws).
func (h *TokenHandler) Subscribe(c echo.Context) error {
	return h.Hub.Subscribe(c.Response(), c.Request())
}

// resolveProjectID picks the project: explicit query parameter first,
// then producer metadata, then the default sentinel.
func resolveProjectID(queryParam string, metadata map[string]any) string {
	if queryParam != "" {
		return queryParam
	}
	if id, ok := metadata["projectId"].(string); ok && id != "" {
		return id
	}
	return DefaultProjectID
}
