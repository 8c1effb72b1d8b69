package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/hybridrag/internal/evaluation"
	"github.com/hyperjump/hybridrag/internal/models"
	"github.com/hyperjump/hybridrag/internal/storage"
)

// RetrieveResponse is the body of a successful POST /api/v1/retrieve.
type RetrieveResponse struct {
	*models.Retrieval
	Documents []*models.Document `json:"documents,omitempty"`
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req models.RetrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	mode, err := req.Validate(s.config.Retrieval.TopK, s.config.Retrieval.MaxTopK)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Debug("retrieve request", zap.String("query", req.Query), zap.String("mode", req.Mode), zap.Int("top_k", req.TopK))
	ret, err := s.retriever.Retrieve(r.Context(), req.Query, mode, req.TopK)
	if err != nil {
		s.logger.Warn("retrieve failed", zap.Error(err))
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	resp := RetrieveResponse{Retrieval: ret}
	if r.URL.Query().Get("documents") == "true" && len(ret.Results) > 0 {
		docs, err := s.store.GetDocuments(r.Context(), ret.Results.IDs())
		if err != nil {
			s.logger.Error("retrieve: load documents failed", zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, d := range ret.Results {
			if doc, ok := docs[d.DocID]; ok {
				resp.Documents = append(resp.Documents, doc)
			}
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// MetricsRequest is the body of POST /api/v1/metrics. Records may be given directly or
// as a whole batch; when both are present the batch wins.
type MetricsRequest struct {
	Batch           *models.Batch            `json:"batch,omitempty"`
	Records         []models.RetrievalRecord `json:"records,omitempty"`
	GroupBy         string                   `json:"group_by,omitempty"`
	Groups          []string                 `json:"groups,omitempty"`
	Cutoffs         []int                    `json:"cutoffs,omitempty"`
	IncludePerQuery bool                     `json:"include_per_query,omitempty"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var req MetricsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	records := req.Records
	if req.Batch != nil {
		records = req.Batch.Records
	}
	queries, err := s.store.ListQueries(r.Context())
	if err != nil {
		s.logger.Error("metrics: list queries failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	report, err := evaluation.ComputeMetrics(records, models.QueryIndex(queries), evaluation.Options{
		GroupBy:         req.GroupBy,
		Groups:          req.Groups,
		Cutoffs:         req.Cutoffs,
		IncludePerQuery: req.IncludePerQuery,
	})
	if err != nil {
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc, err := s.store.GetDocument(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "document not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, doc)
}

func (s *Server) handleGetQuery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q, err := s.store.GetQuery(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "query not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, q)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Documents       int64              `json:"documents"`
	Queries         int64              `json:"queries"`
	VectorIndexSize int                `json:"vector_index_size"`
	KeywordDocCount uint64             `json:"keyword_doc_count"`
	DiskUsage       *storage.Footprint `json:"disk_usage,omitempty"`
	Config          map[string]any     `json:"config"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := s.Status(r.Context())
	if err != nil {
		s.logger.Error("status failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// Status counts the corpus and queries and reports index sizes, disk usage, and the
// retrieval settings in effect.
func (s *Server) Status(ctx context.Context) (*StatusResponse, error) {
	docCount, err := s.store.CountDocuments(ctx)
	if err != nil {
		return nil, err
	}
	queryCount, err := s.store.CountQueries(ctx)
	if err != nil {
		return nil, err
	}
	resp := &StatusResponse{Documents: docCount, Queries: queryCount}
	if s.vectors != nil {
		resp.VectorIndexSize = s.vectors.Size()
	}
	if s.keywords != nil {
		if n, err := s.keywords.DocCount(); err == nil {
			resp.KeywordDocCount = n
		}
	}
	cfg := s.config
	resp.Config = map[string]any{
		"storage_driver":       cfg.Storage.Driver,
		"keyword_backend":      cfg.Retrieval.KeywordBackend,
		"embedding_provider":   cfg.Embedding.Provider,
		"embedding_model":      cfg.Embedding.Model,
		"embedding_dimensions": cfg.Embedding.Dimensions,
		"top_k":                cfg.Retrieval.TopK,
		"rrf_k":                cfg.Retrieval.RRFK,
		"fanout_multiplier":    cfg.Retrieval.FanoutMultiplier,
		"min_fanout":           cfg.Retrieval.MinFanout,
	}
	if fp, err := storage.MeasureFootprint(cfg.Storage.DatabasePath, cfg.Storage.BleveIndexPath, cfg.Storage.VectorIndexPath); err == nil {
		resp.DiskUsage = &fp
	}
	return resp, nil
}

// statusFor maps an error kind to an HTTP status code.
func statusFor(err error) int {
	switch models.ReasonFor(err) {
	case models.ReasonInvalidQuery:
		return http.StatusBadRequest
	case models.ReasonTimeout:
		return http.StatusGatewayTimeout
	case models.ReasonSourceUnavailable:
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, models.ErrMissingQuery) || errors.Is(err, models.ErrEmptyGroup) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
