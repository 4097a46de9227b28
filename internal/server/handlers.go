package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/tsuuchi/internal/models"
	"github.com/hyperjump/tsuuchi/internal/pipeline"
	"github.com/hyperjump/tsuuchi/internal/sandbox"
	"github.com/hyperjump/tsuuchi/internal/storage"
)

// dryRunChannel is the channel ID reported for rules evaluated through the API.
const dryRunChannel = "dry-run"

func (s *Server) handleProcessSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := pipeline.DecodeSubmission(r.Body)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Debug("process submission request", zap.String("id", sub.ID), zap.String("name", sub.Name))
	out := s.deps.Processor.Process(r.Context(), sub)
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteSubmission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.logger.Debug("delete submission request", zap.String("id", id))
	if err := s.deps.Processor.Delete(r.Context(), id); err != nil {
		s.respondStorageError(w, "deletion failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

type evaluateRequest struct {
	Code       string             `json:"code"`
	Submission *models.Submission `json:"submission"`
}

func (s *Server) handleEvaluateRule(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		s.respondError(w, http.StatusBadRequest, "code is required")
		return
	}
	sub := req.Submission
	if sub == nil {
		sub = &models.Submission{}
	}
	archive, category, err := s.deps.Storage.ResolveNames(r.Context(), sub)
	if err != nil {
		s.logger.Warn("name resolution failed", zap.Error(err))
		archive, category = sub.ArchiveChannelID, sub.CategoryID
	}
	rule := models.SubscriptionRule{ChannelID: dryRunChannel, Code: req.Code}
	result := s.deps.Evaluator.EvaluateRule(r.Context(), rule, sandbox.BindingsFor(sub, archive, category))
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleRelated(w http.ResponseWriter, r *http.Request) {
	if s.deps.Related == nil {
		s.respondError(w, http.StatusNotImplemented, "related lookup not enabled")
		return
	}
	sub, err := pipeline.DecodeSubmission(r.Body)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if sub.ID == "" {
		// The ID only excludes the submission itself from its own results.
		sub.ID = dryRunChannel
	}
	entries, err := s.deps.Related.Related(r.Context(), sub)
	if err != nil {
		s.logger.Error("related lookup failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []models.RelatedEntry{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"related": entries})
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	if s.deps.Indexes == nil {
		s.respondError(w, http.StatusNotImplemented, "indexing not enabled")
		return
	}
	n, err := s.deps.Indexes.Rebuild(r.Context())
	if err != nil {
		s.logger.Error("index rebuild failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"status": "rebuilt", "vectors": n})
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	rules, err := s.deps.Storage.Subscriptions(r.Context())
	if err != nil {
		s.logger.Error("list subscriptions failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rules == nil {
		rules = []models.SubscriptionRule{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"subscriptions": rules})
}

type putSubscriptionRequest struct {
	Code              string   `json:"code"`
	SubscribedUserIDs []string `json:"subscribed_user_ids"`
}

func (s *Server) handlePutSubscription(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	var req putSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rule := models.SubscriptionRule{ChannelID: channelID, Code: req.Code, SubscribedUserIDs: req.SubscribedUserIDs}
	s.logger.Debug("put subscription request", zap.String("channel", channelID))
	if err := s.deps.Storage.PutSubscription(r.Context(), rule); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	stored, err := s.deps.Storage.GetSubscription(r.Context(), channelID)
	if err != nil {
		s.respondStorageError(w, "reading subscription failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, stored)
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	if err := s.deps.Storage.DeleteSubscription(r.Context(), channelID); err != nil {
		s.respondStorageError(w, "delete subscription failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"channel_id": channelID, "status": "deleted"})
}

func (s *Server) handleAddSubscriber(w http.ResponseWriter, r *http.Request) {
	s.updateSubscriber(w, r, s.deps.Storage.AddSubscriber, "subscribed")
}

func (s *Server) handleRemoveSubscriber(w http.ResponseWriter, r *http.Request) {
	s.updateSubscriber(w, r, s.deps.Storage.RemoveSubscriber, "unsubscribed")
}

func (s *Server) updateSubscriber(
	w http.ResponseWriter,
	r *http.Request,
	update func(ctx context.Context, channelID, userID string) error,
	status string,
) {
	channelID := chi.URLParam(r, "channelID")
	userID := chi.URLParam(r, "userID")
	s.logger.Debug("subscriber update request",
		zap.String("channel", channelID),
		zap.String("user", userID),
		zap.String("status", status))
	if err := update(r.Context(), channelID, userID); err != nil {
		s.respondStorageError(w, "subscriber update failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"channel_id": channelID, "user_id": userID, "status": status})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := make(map[string]interface{})
	for name, count := range map[string]func() (int64, error){
		"subscriptions": func() (int64, error) { return s.deps.Storage.CountSubscriptions(ctx) },
		"submissions":   func() (int64, error) { return s.deps.Storage.CountSubmissions(ctx) },
		"embeddings":    func() (int64, error) { return s.deps.Storage.CountEmbeddings(ctx) },
	} {
		n, err := count()
		if err != nil {
			s.logger.Error("status: count failed", zap.String("table", name), zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp[name] = n
	}
	if s.deps.Indexes != nil {
		vi := s.deps.Indexes.VectorIndex()
		resp["vector_index_size"] = vi.Size()
		resp["vector_index_type"] = string(vi.Type())
		resp["vector_dimensions"] = vi.Dimension()
	}
	if s.deps.Keywords != nil {
		if n, err := s.deps.Keywords.DocCount(); err == nil {
			resp["keyword_index_size"] = n
		}
	}
	if s.deps.Broker != nil {
		resp["broker"] = s.deps.Broker.Stats()
	}
	if s.deps.Watch != nil {
		resp["watch_directories"] = s.deps.Watch.Directories()
	}
	if s.config != nil {
		st := s.config.Storage
		paths := append(storage.DatabaseFiles(st.DatabasePath), st.KeywordIndexPath, st.VectorIndexPath)
		if diskBytes, err := storage.DiskUsageBytes(paths...); err == nil {
			resp["disk_usage_bytes"] = diskBytes
		}
		resp["config"] = map[string]interface{}{
			"database_path":      st.DatabasePath,
			"keyword_index_path": st.KeywordIndexPath,
			"vector_index_path":  st.VectorIndexPath,
			"extraction":         s.config.Extraction.Provider,
			"related_enabled":    s.config.Match.RelatedEnabledOrDefault(),
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// respondStorageError maps storage.ErrNotFound to 404 and anything else to 500.
func (s *Server) respondStorageError(w http.ResponseWriter, msg string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Error(msg, zap.Error(err))
	s.respondError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
