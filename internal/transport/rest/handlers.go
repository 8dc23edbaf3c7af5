// Package rest is the ingest HTTP surface: the batch event endpoint and
// the two privacy operations. It writes to Postgres only; the broker never
// sees a request-path call.
package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/smartbuket/sb-analytics/internal/config"
	"github.com/smartbuket/sb-analytics/internal/domain"
	"github.com/smartbuket/sb-analytics/internal/infrastructure/postgres"
	"github.com/smartbuket/sb-analytics/internal/infrastructure/redis"
	"github.com/smartbuket/sb-analytics/internal/metrics"
	"github.com/smartbuket/sb-analytics/internal/transport/rest/response"
)

// IngestStore is what the handlers need from the repository.
type IngestStore interface {
	InsertBatch(ctx context.Context, items []postgres.IngestItem) ([]postgres.IngestResult, error)
	IsOptedOut(ctx context.Context, appUUID, anonUserID string) (bool, error)
	OptOut(ctx context.Context, appUUID, anonUserID string) error
	PrivacyDelete(ctx context.Context, appUUID, anonUserID string, deleteOptOut bool) (map[string]int64, error)
}

type Handlers struct {
	store  IngestStore
	cache  *redis.OptOutCache
	cfg    *config.Config
	topics domain.Topics
	log    zerolog.Logger
}

func NewHandlers(store IngestStore, cache *redis.OptOutCache, cfg *config.Config) *Handlers {
	return &Handlers{
		store:  store,
		cache:  cache,
		cfg:    cfg,
		topics: cfg.Topics(),
		log:    zlog.With().Str("component", "ingest_api").Logger(),
	}
}

type rejectedItem struct {
	Index   int    `json:"index"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type eventsResponse struct {
	Accepted int            `json:"accepted"`
	Deduped  []bool         `json:"deduped"`
	Rejected []rejectedItem `json:"rejected"`
}

// PostEvents ingests a batch. Every persisted event commits atomically
// with its outbox rows; rejected items never touch the database.
func (h *Handlers) PostEvents(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { metrics.IngestBatchDuration.Observe(time.Since(start).Seconds()) }()

	var batch []json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		response.Error(w, r, http.StatusBadRequest, "bad_request", "body must be a JSON array of event envelopes")
		return
	}

	resp := eventsResponse{
		Deduped:  make([]bool, len(batch)),
		Rejected: []rejectedItem{},
	}
	var items []postgres.IngestItem
	itemIndex := make([]int, 0, len(batch)) // batch position of each persisted item

	for i, raw := range batch {
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			resp.Rejected = append(resp.Rejected, rejectedItem{i, "validation", "item must be a JSON object"})
			metrics.EventsRejected.WithLabelValues("validation").Inc()
			continue
		}

		ev, err := domain.ParseEnvelope(doc, h.cfg.StrictEnvelope)
		if err != nil {
			code := "validation"
			if e, ok := err.(*domain.EnvelopeError); ok {
				code = e.Code
			}
			resp.Rejected = append(resp.Rejected, rejectedItem{i, code, err.Error()})
			metrics.EventsRejected.WithLabelValues(code).Inc()
			continue
		}

		if h.optedOut(r.Context(), ev.AppUUID, ev.AnonUserID) {
			resp.Rejected = append(resp.Rejected, rejectedItem{i, "opted_out", "user has opted out"})
			metrics.EventsRejected.WithLabelValues("opted_out").Inc()
			continue
		}

		items = append(items, postgres.IngestItem{
			Event:       ev,
			RoutingKeys: h.topics.Route(ev.EventName),
			Staged:      ev.StagedPayload(doc),
		})
		itemIndex = append(itemIndex, i)
	}

	if h.cfg.StrictEnvelope && len(items) == 0 && len(batch) > 0 {
		response.ErrorMeta(w, r, http.StatusUnprocessableEntity, "validation",
			"no item passed envelope validation",
			map[string]any{"rejected": resp.Rejected})
		return
	}

	if len(items) > 0 {
		results, err := h.store.InsertBatch(r.Context(), items)
		if err != nil {
			h.log.Error().Err(err).Int("batch", len(items)).Msg("ingest batch failed")
			response.Error(w, r, http.StatusServiceUnavailable, "storage_unavailable",
				"batch could not be persisted, retry")
			return
		}
		for j, res := range results {
			if res.Deduped {
				resp.Deduped[itemIndex[j]] = true
				metrics.EventsDeduped.Inc()
			} else {
				metrics.EventsAccepted.Inc()
			}
		}
		// A dedupe re-submission is still an accepted event: the original
		// write already carries it.
		resp.Accepted = len(results)
	}

	response.JSON(w, r, http.StatusOK, resp)
}

type optOutRequest struct {
	AppUUID    string `json:"app_uuid"`
	AnonUserID string `json:"anon_user_id"`
}

// PostOptOut registers the pair; subsequent events for it are rejected at
// ingest and skipped by the processor.
func (h *Handlers) PostOptOut(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodePair(w, r)
	if !ok {
		return
	}
	if err := h.store.OptOut(r.Context(), req.AppUUID, req.AnonUserID); err != nil {
		h.log.Error().Err(err).Msg("opt-out failed")
		response.Error(w, r, http.StatusServiceUnavailable, "storage_unavailable", "opt-out could not be recorded")
		return
	}
	h.cache.Set(r.Context(), req.AppUUID, req.AnonUserID, true)
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

type privacyDeleteRequest struct {
	optOutRequest
	DeleteOptOut bool `json:"delete_opt_out"`
}

// PostPrivacyDelete erases stored data for one pair and reports per-table
// counts. The opt_out row survives unless delete_opt_out is set.
func (h *Handlers) PostPrivacyDelete(w http.ResponseWriter, r *http.Request) {
	var req privacyDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AppUUID == "" || req.AnonUserID == "" {
		response.Error(w, r, http.StatusBadRequest, "bad_request", "app_uuid and anon_user_id are required")
		return
	}

	counts, err := h.store.PrivacyDelete(r.Context(), req.AppUUID, req.AnonUserID, req.DeleteOptOut)
	if err != nil {
		h.log.Error().Err(err).Msg("privacy delete failed")
		response.Error(w, r, http.StatusServiceUnavailable, "storage_unavailable", "deletion could not be completed")
		return
	}
	if req.DeleteOptOut {
		h.cache.Invalidate(r.Context(), req.AppUUID, req.AnonUserID)
	}

	h.log.Info().
		Str("app_uuid", req.AppUUID).
		Bool("delete_opt_out", req.DeleteOptOut).
		Msg("privacy delete completed")
	response.JSON(w, r, http.StatusOK, map[string]any{"deleted": counts})
}

// Health reports liveness. Kept envelope-free for probe friendliness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handlers) decodePair(w http.ResponseWriter, r *http.Request) (optOutRequest, bool) {
	var req optOutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AppUUID == "" || req.AnonUserID == "" {
		response.Error(w, r, http.StatusBadRequest, "bad_request", "app_uuid and anon_user_id are required")
		return req, false
	}
	return req, true
}

func (h *Handlers) optedOut(ctx context.Context, appUUID, anonUserID string) bool {
	if out, found := h.cache.Get(ctx, appUUID, anonUserID); found {
		return out
	}
	out, err := h.store.IsOptedOut(ctx, appUUID, anonUserID)
	if err != nil {
		// Fail open: suppression is re-checked by the processor.
		h.log.Warn().Err(err).Msg("opt-out lookup failed")
		return false
	}
	h.cache.Set(ctx, appUUID, anonUserID, out)
	return out
}
