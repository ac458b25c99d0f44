// Package chi is the HTTP transport: request decoding, domain error mapping
// and response shaping for the feed API.
package chi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/topfeed/topfeed/internal/domain"
	domprofile "github.com/topfeed/topfeed/internal/domain/profile"
	"github.com/topfeed/topfeed/internal/metrics"
	"github.com/topfeed/topfeed/internal/usecase/events"
	"github.com/topfeed/topfeed/internal/usecase/feed"
	healthuc "github.com/topfeed/topfeed/internal/usecase/health"
	profileuc "github.com/topfeed/topfeed/internal/usecase/profile"
	"github.com/topfeed/topfeed/internal/usecase/retrieval"
	rolloutuc "github.com/topfeed/topfeed/internal/usecase/rollout"
	"github.com/topfeed/topfeed/internal/version"
)

// ErrorCode is the machine-readable error discriminator in error responses.
type ErrorCode string

const (
	CodeBadRequest       ErrorCode = "bad_request"
	CodeValidationFailed ErrorCode = "validation_failed"
	CodeNotFound         ErrorCode = "not_found"
	CodeProfileNotFound  ErrorCode = "profile_not_found"
	CodeQuotaExceeded    ErrorCode = "embedding_quota_exceeded"
	CodeProviderError    ErrorCode = "embedding_provider_error"
	CodeInternalError    ErrorCode = "internal_error"
)

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// FeedService serves assembled feeds.
type FeedService interface {
	Serve(ctx context.Context, req feed.Request) (feed.Response, error)
}

// EventService ingests interaction events and imports click history.
type EventService interface {
	Ingest(ctx context.Context, evs []domain.Event) (int, error)
	SeedHistory(ctx context.Context, userID string, clicks []events.HistoryClick) (int, error)
}

// CatalogService manages the item inventory.
type CatalogService interface {
	Upsert(ctx context.Context, items []domain.Item) (int, error)
	Count(ctx context.Context) (int, error)
}

// ProfileService serves and maintains interest profiles.
type ProfileService interface {
	Tree(ctx context.Context, userID string) (domprofile.Tree, error)
	UpdateIncremental(ctx context.Context) (profileuc.Report, error)
	RebuildUser(ctx context.Context, userID string) (domprofile.Tree, error)
}

// RolloutService manages canary configuration and the guardrail.
type RolloutService interface {
	Load(ctx context.Context) (domain.RolloutConfig, error)
	Update(ctx context.Context, updates map[string]string) error
	CheckGuardrail(ctx context.Context, params rolloutuc.GuardrailParams) (rolloutuc.GuardrailReport, error)
}

// HealthService aggregates component health.
type HealthService interface {
	Check(ctx context.Context) healthuc.Report
}

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Server holds the HTTP handlers.
type Server struct {
	feed          FeedService
	events        EventService
	catalog       CatalogService
	profiles      ProfileService
	rollout       RolloutService
	health        HealthService
	logger        *zap.Logger
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server.
func NewServer(
	feedSvc FeedService,
	eventSvc EventService,
	catalogSvc CatalogService,
	profileSvc ProfileService,
	rolloutSvc RolloutService,
	healthSvc HealthService,
	logger *zap.Logger,
) *Server {
	s := &Server{
		feed:     feedSvc,
		events:   eventSvc,
		catalog:  catalogSvc,
		profiles: profileSvc,
		rollout:  rolloutSvc,
		health:   healthSvc,
		logger:   logger,
	}
	s.errorHandlers = []errorHandler{
		sentinelHandler(domain.ErrProfileNotFound, http.StatusNotFound, CodeProfileNotFound),
		sentinelHandler(domain.ErrNotFound, http.StatusNotFound, CodeNotFound),
		sentinelHandler(domain.ErrInvalidEvent, http.StatusBadRequest, CodeValidationFailed),
		sentinelHandler(domain.ErrInvalidItem, http.StatusBadRequest, CodeValidationFailed),
		sentinelHandler(domain.ErrEmbeddingQuotaExceeded, http.StatusPaymentRequired, CodeQuotaExceeded),
		sentinelHandler(domain.ErrEmbeddingProviderError, http.StatusBadGateway, CodeProviderError),
	}
	return s
}

// Routes mounts all endpoints on the given router.
func (s *Server) Routes(r chi.Router) {
	r.Get("/health", s.HealthCheck)
	r.Get("/metrics", s.Metrics)

	r.Post("/feed", s.Feed)
	r.Post("/events", s.IngestEvents)
	r.Post("/items", s.UpsertItems)

	r.Post("/users/{userID}/history", s.SeedHistory)
	r.Get("/users/{userID}/top", s.UserTop)
	r.Get("/users/{userID}/top/nodes", s.UserTopNodes)
	r.Post("/users/{userID}/top/rebuild", s.RebuildUserTop)
	r.Post("/top/update", s.TopUpdate)

	r.Get("/rollout/config", s.RolloutConfig)
	r.Post("/rollout/config", s.RolloutConfigUpdate)
	r.Post("/rollout/check", s.RolloutCheck)
}

// --- Feed ---

type feedRequest struct {
	UserID              string   `json:"user_id"`
	TopN                int      `json:"top_n"`
	HistoryK            int      `json:"history_k"`
	Rerank              *bool    `json:"rerank"`
	Diversify           *bool    `json:"diversify"`
	IncludeExplanations *bool    `json:"include_explanations"`
	ExploreLevel        *float64 `json:"explore_level"`
	Mode                string   `json:"mode"`
	FreshWindowHours    int      `json:"fresh_window_hours"`
	FreshRatio          float64  `json:"fresh_ratio"`
}

// toUsecase applies the request defaults: rerank, diversify and explanations
// are on unless explicitly disabled; an omitted explore level picks the
// configured default.
func (req feedRequest) toUsecase() feed.Request {
	out := feed.Request{
		UserID:              req.UserID,
		TopN:                req.TopN,
		HistoryK:            req.HistoryK,
		Rerank:              true,
		Diversify:           true,
		IncludeExplanations: true,
		ExploreLevel:        -1,
		FreshWindowHours:    req.FreshWindowHours,
		FreshRatio:          req.FreshRatio,
	}
	if req.Rerank != nil {
		out.Rerank = *req.Rerank
	}
	if req.Diversify != nil {
		out.Diversify = *req.Diversify
	}
	if req.IncludeExplanations != nil {
		out.IncludeExplanations = *req.IncludeExplanations
	}
	if req.ExploreLevel != nil {
		out.ExploreLevel = *req.ExploreLevel
	}
	if req.Mode == string(retrieval.ModeFresh) || req.Mode == "fresh" {
		out.Mode = retrieval.ModeFresh
	}
	return out
}

type feedItem struct {
	NewsID      string `json:"news_id"`
	Title       string `json:"title,omitempty"`
	Abstract    string `json:"abstract,omitempty"`
	Category    string `json:"category,omitempty"`
	Subcategory string `json:"subcategory,omitempty"`
	URL         string `json:"url,omitempty"`

	Score             float64 `json:"score"`
	RelScore          float64 `json:"rel_score"`
	TopBonus          float64 `json:"top_bonus,omitempty"`
	RedundancyPenalty float64 `json:"redundancy_penalty,omitempty"`
	CoverageGain      float64 `json:"coverage_gain,omitempty"`
	TotalScore        float64 `json:"total_score,omitempty"`
	TopPath           string  `json:"top_path,omitempty"`
	Source            string  `json:"source,omitempty"`
	IsPreferred       bool    `json:"is_preferred,omitempty"`

	Explanation *domain.Explanation `json:"explanation,omitempty"`
}

type feedResponse struct {
	RequestID       string                         `json:"request_id"`
	UserID          string                         `json:"user_id"`
	Variant         string                         `json:"variant"`
	ModelVersion    string                         `json:"model_version"`
	Method          string                         `json:"method"`
	Items           []feedItem                     `json:"items"`
	Diversification *domain.DiversificationSummary `json:"diversification,omitempty"`
}

// Feed handles POST /feed.
func (s *Server) Feed(w http.ResponseWriter, r *http.Request) {
	var req feedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, "user_id is required")
		return
	}
	if req.TopN < 0 || req.TopN > 1000 {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, "top_n must be between 1 and 1000")
		return
	}
	if req.ExploreLevel != nil && (*req.ExploreLevel < 0 || *req.ExploreLevel > 1) {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, "explore_level must be between 0 and 1")
		return
	}
	if req.HistoryK != 0 && (req.HistoryK < 1 || req.HistoryK > 500) {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, "history_k must be between 1 and 500")
		return
	}

	resp, err := s.feed.Serve(r.Context(), req.toUsecase())
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	items := make([]feedItem, len(resp.Items))
	for i, c := range resp.Items {
		items[i] = candidateToFeedItem(c)
	}
	writeJSON(w, http.StatusOK, feedResponse{
		RequestID:       resp.RequestID,
		UserID:          resp.UserID,
		Variant:         string(resp.Variant),
		ModelVersion:    resp.ModelVersion,
		Method:          resp.Method,
		Items:           items,
		Diversification: resp.Diversification,
	})
}

func candidateToFeedItem(c domain.Candidate) feedItem {
	return feedItem{
		NewsID:            c.Item.NewsID,
		Title:             c.Item.Title,
		Abstract:          c.Item.Abstract,
		Category:          c.Item.Category,
		Subcategory:       c.Item.Subcategory,
		URL:               c.Item.URL,
		Score:             c.RetrievalScore,
		RelScore:          c.RelScore,
		TopBonus:          c.TopBonus,
		RedundancyPenalty: c.RedundancyPenalty,
		CoverageGain:      c.CoverageGain,
		TotalScore:        c.TotalScore,
		TopPath:           c.TopPath,
		Source:            c.Source,
		IsPreferred:       c.IsPreferred,
		Explanation:       c.Explanation,
	}
}

// --- Events ---

type ingestResponse struct {
	Accepted int `json:"accepted"`
}

// IngestEvents handles POST /events. The body is either a single event
// object or an array of events.
func (s *Server) IngestEvents(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	var evs []domain.Event
	if err := json.Unmarshal(raw, &evs); err != nil {
		var single domain.Event
		if err := json.Unmarshal(raw, &single); err != nil {
			writeError(w, http.StatusBadRequest, CodeBadRequest, "Body must be an event or an array of events")
			return
		}
		evs = []domain.Event{single}
	}
	if len(evs) == 0 {
		writeJSON(w, http.StatusOK, ingestResponse{Accepted: 0})
		return
	}

	accepted, err := s.events.Ingest(r.Context(), evs)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	for _, ev := range evs {
		metrics.EventsIngestedTotal.WithLabelValues(string(ev.Kind)).Inc()
	}
	writeJSON(w, http.StatusAccepted, ingestResponse{Accepted: accepted})
}

type historyClickIn struct {
	NewsID    string `json:"news_id"`
	ClickedAt string `json:"clicked_at"`
}

type seedHistoryRequest struct {
	Clicks []historyClickIn `json:"clicks"`
}

type seedHistoryResponse struct {
	Seeded int `json:"seeded"`
}

// SeedHistory handles POST /users/{userID}/history: bulk import of past
// clicks from a session export, bypassing the event log.
func (s *Server) SeedHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req seedHistoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	clicks := make([]events.HistoryClick, len(req.Clicks))
	for i, c := range req.Clicks {
		clicks[i] = events.HistoryClick{
			ItemID:    c.NewsID,
			ClickedAt: domain.ParseClickTime(c.ClickedAt),
		}
	}

	seeded, err := s.events.SeedHistory(r.Context(), userID, clicks)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, seedHistoryResponse{Seeded: seeded})
}

// --- Items ---

type itemIn struct {
	NewsID      string  `json:"news_id"`
	Title       string  `json:"title"`
	Abstract    string  `json:"abstract"`
	URL         string  `json:"url"`
	Category    string  `json:"category"`
	Subcategory string  `json:"subcategory"`
	Source      string  `json:"source"`
	ContentType string  `json:"content_type"`
	PublishedAt *string `json:"published_at"`
}

type upsertItemsResponse struct {
	Upserted int `json:"upserted"`
}

// UpsertItems handles POST /items: batch upsert into the catalog.
func (s *Server) UpsertItems(w http.ResponseWriter, r *http.Request) {
	var in []itemIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	items := make([]domain.Item, len(in))
	for i, it := range in {
		items[i] = domain.Item{
			NewsID:      it.NewsID,
			Title:       it.Title,
			Abstract:    it.Abstract,
			URL:         it.URL,
			Category:    it.Category,
			Subcategory: it.Subcategory,
			Source:      it.Source,
			ContentType: it.ContentType,
		}
		if it.PublishedAt != nil {
			items[i].PublishedAt = domain.ParseClickTime(*it.PublishedAt)
		}
	}

	n, err := s.catalog.Upsert(r.Context(), items)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, upsertItemsResponse{Upserted: n})
}

// --- Interest profiles ---

// UserTop handles GET /users/{userID}/top.
func (s *Server) UserTop(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	tree, err := s.profiles.Tree(r.Context(), userID)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

type topNodesResponse struct {
	UserID string                `json:"user_id"`
	Nodes  []domprofile.FlatNode `json:"nodes"`
}

// UserTopNodes handles GET /users/{userID}/top/nodes: the flattened node
// table ordered by underexplored score, most starved first.
func (s *Server) UserTopNodes(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit := queryInt(r, "limit", 100)
	if limit <= 0 || limit > 1000 {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, "limit must be between 1 and 1000")
		return
	}

	tree, err := s.profiles.Tree(r.Context(), userID)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	nodes := flattenTree(tree)
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].UnderexploredScore > nodes[j].UnderexploredScore
	})
	if len(nodes) > limit {
		nodes = nodes[:limit]
	}
	writeJSON(w, http.StatusOK, topNodesResponse{UserID: userID, Nodes: nodes})
}

func flattenTree(tree domprofile.Tree) []domprofile.FlatNode {
	var nodes []domprofile.FlatNode
	for _, cat := range tree.Root.Categories {
		nodes = append(nodes, domprofile.FlatNode{
			Path:               domprofile.Path(cat.Category, ""),
			Category:           cat.Category,
			Stats:              cat.Stats,
			UnderexploredScore: cat.UnderexploredScore,
			UpdatedAt:          tree.GeneratedAt,
		})
		for _, sub := range cat.Subcategories {
			nodes = append(nodes, domprofile.FlatNode{
				Path:               domprofile.Path(cat.Category, sub.Subcategory),
				Category:           cat.Category,
				Subcategory:        sub.Subcategory,
				Stats:              sub.Stats,
				UnderexploredScore: sub.UnderexploredScore,
				UpdatedAt:          tree.GeneratedAt,
			})
		}
	}
	return nodes
}

// RebuildUserTop handles POST /users/{userID}/top/rebuild: full recompute of
// one user's profile from the entire event history.
func (s *Server) RebuildUserTop(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	tree, err := s.profiles.RebuildUser(r.Context(), userID)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

// TopUpdate handles POST /top/update: one incremental profile update pass
// over events since the watermark.
func (s *Server) TopUpdate(w http.ResponseWriter, r *http.Request) {
	report, err := s.profiles.UpdateIncremental(r.Context())
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Rollout ---

type rolloutConfigResponse struct {
	CanaryEnabled       bool   `json:"canary_enabled"`
	CanaryPercent       int    `json:"canary_percent"`
	ControlModelVersion string `json:"control_model_version"`
	CanaryModelVersion  string `json:"canary_model_version"`
	CanaryAutoDisable   bool   `json:"canary_auto_disable"`
}

// RolloutConfig handles GET /rollout/config.
func (s *Server) RolloutConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.rollout.Load(r.Context())
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rolloutConfigResponse{
		CanaryEnabled:       cfg.CanaryEnabled,
		CanaryPercent:       cfg.CanaryPercent,
		ControlModelVersion: cfg.ControlModelVersion,
		CanaryModelVersion:  cfg.CanaryModelVersion,
		CanaryAutoDisable:   cfg.CanaryAutoDisable,
	})
}

type rolloutUpdateRequest struct {
	Updates map[string]string `json:"updates"`
}

// RolloutConfigUpdate handles POST /rollout/config.
func (s *Server) RolloutConfigUpdate(w http.ResponseWriter, r *http.Request) {
	var req rolloutUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if len(req.Updates) == 0 {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, "updates must not be empty")
		return
	}
	if err := s.rollout.Update(r.Context(), req.Updates); err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": len(req.Updates)})
}

type rolloutCheckRequest struct {
	WindowMinutes         int     `json:"window_minutes"`
	CTRDropThreshold      float64 `json:"ctr_drop_threshold"`
	NoveltySpikeThreshold float64 `json:"novelty_spike_threshold"`
}

// RolloutCheck handles POST /rollout/check: runs the canary guardrail. The
// body is optional; when present it overrides the configured window and
// thresholds for this check only.
func (s *Server) RolloutCheck(w http.ResponseWriter, r *http.Request) {
	var req rolloutCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.WindowMinutes < 0 || req.CTRDropThreshold < 0 || req.NoveltySpikeThreshold < 0 {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, "window and thresholds must be non-negative")
		return
	}
	report, err := s.rollout.CheckGuardrail(r.Context(), rolloutuc.GuardrailParams{
		WindowMinutes:         req.WindowMinutes,
		CTRDropThreshold:      req.CTRDropThreshold,
		NoveltySpikeThreshold: req.NoveltySpikeThreshold,
	})
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	metrics.GuardrailChecksTotal.WithLabelValues(guardrailOutcome(report)).Inc()
	writeJSON(w, http.StatusOK, report)
}

func guardrailOutcome(report rolloutuc.GuardrailReport) string {
	switch {
	case report.AutoDisabled:
		return "auto_disabled"
	case report.RollbackRecommended:
		return "rollback"
	default:
		return "pass"
	}
}

// --- Health & metrics ---

type healthResponse struct {
	Status  healthuc.Status                 `json:"status"`
	Version string                          `json:"version"`
	Checks  map[string]healthuc.CheckResult `json:"checks"`
}

// HealthCheck handles GET /health. Degraded still answers 200: the feed can
// be served without the embedding provider.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	httpStatus := http.StatusOK
	if report.Status == healthuc.Unhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, healthResponse{
		Status:  report.Status,
		Version: version.Version,
		Checks:  report.Checks,
	})
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// --- Helpers ---

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code ErrorCode, message string) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// safeDomainMessage returns a sentinel error message for the client without
// exposing internals.
func safeDomainMessage(err error) string {
	sentinels := []error{
		domain.ErrNotFound,
		domain.ErrProfileNotFound,
		domain.ErrInvalidEvent,
		domain.ErrInvalidItem,
		domain.ErrEmbeddingQuotaExceeded,
		domain.ErrEmbeddingProviderError,
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code ErrorCode) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	s.logger.Warn("domain error", zap.Error(err))
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, CodeInternalError, "internal error")
}
