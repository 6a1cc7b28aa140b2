package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tkingovr/txguard/api"
	"github.com/tkingovr/txguard/internal/approval"
	"github.com/tkingovr/txguard/internal/attest"
	"github.com/tkingovr/txguard/internal/audit"
	"github.com/tkingovr/txguard/internal/filter"
)

// CallerHeader presets the admission caller key.
const CallerHeader = "X-Txguard-Caller"

type errorBody struct {
	Error *api.AuditError `json:"error"`
}

type verifyResponse struct {
	Valid  bool   `json:"valid"`
	Digest string `json:"digest,omitempty"`
	Signer string `json:"signer,omitempty"`
	Error  string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind api.ErrorKind, code, msg string) {
	writeJSON(w, status, errorBody{Error: &api.AuditError{Kind: kind, Code: code, Message: msg}})
}

// statusFor maps an audit error to its HTTP status.
func statusFor(ae *api.AuditError) int {
	switch ae.Kind {
	case api.KindInvalidRequest:
		return http.StatusBadRequest
	case api.KindInfrastructure, api.KindAttestationUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, s.maxBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, api.KindInvalidRequest, api.CodeInvalidRequest, "reading body: "+err.Error())
		return
	}

	fc := filter.NewFilterContext(raw, r.Header.Get(CallerHeader))
	if s.chain != nil {
		if err := s.chain.Process(r.Context(), fc); err != nil {
			s.logger.Error("admission chain failed", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	} else if int64(len(raw)) > s.maxBody {
		fc.Halt(http.StatusBadRequest, api.CodeInvalidRequest, "parse:size", "request body too large")
	} else if err := json.Unmarshal(raw, &fc.Request); err != nil || fc.Request == nil {
		fc.Halt(http.StatusBadRequest, api.CodeInvalidRequest, "parse:json", "request body is not an audit request")
	}
	if fc.Halted {
		s.metrics.AdmissionRejects.WithLabelValues(orDefault(fc.HaltedBy, "parse")).Inc()
		writeJSON(w, fc.Status, errorBody{Error: &api.AuditError{
			Kind:    api.KindInvalidRequest,
			Code:    fc.Code,
			Message: fc.Message,
		}})
		return
	}

	rec, err := s.auditor.Audit(r.Context(), fc.Request)
	if err != nil {
		var ae *api.AuditError
		if errors.As(err, &ae) {
			writeJSON(w, statusFor(ae), errorBody{Error: ae})
			return
		}
		s.logger.Error("audit failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetAttestation(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.Context(), r.PathValue("digest"))
	if errors.Is(err, audit.ErrNotFound) {
		writeError(w, http.StatusNotFound, api.KindInvalidRequest, "NOT_FOUND", "no record with that digest")
		return
	}
	if err != nil {
		s.logger.Error("reading record", "error", err)
		http.Error(w, "failed to read record", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	f, err := parseQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, api.KindInvalidRequest, api.CodeInvalidRequest, err.Error())
		return
	}
	records, err := s.store.Query(r.Context(), f)
	if err != nil {
		s.logger.Error("querying records", "error", err)
		http.Error(w, "failed to query records", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*api.AttestationRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// parseQuery builds a filter from URL parameters.
func parseQuery(q url.Values) (api.QueryFilter, error) {
	var f api.QueryFilter
	var err error
	if v := q.Get("disposition"); v != "" {
		d := api.Disposition(v)
		switch d {
		case api.DispositionPass, api.DispositionAdvise, api.DispositionStop:
			f.Disposition = d
		default:
			return f, fmt.Errorf("invalid disposition %q", v)
		}
	}
	f.Action = api.ActionKind(q.Get("action"))
	if v := q.Get("chain_id"); v != "" {
		if f.ChainID, err = strconv.ParseUint(v, 10, 64); err != nil {
			return f, fmt.Errorf("invalid chain_id %q", v)
		}
	}
	if v := q.Get("incomplete"); v != "" {
		if f.IncompleteOnly, err = strconv.ParseBool(v); err != nil {
			return f, fmt.Errorf("invalid incomplete %q", v)
		}
	}
	for name, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		if v := q.Get(name); v != "" {
			if *dst, err = time.Parse(time.RFC3339, v); err != nil {
				return f, fmt.Errorf("invalid %s %q: want RFC 3339", name, v)
			}
		}
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return f, fmt.Errorf("invalid %s %q", name, v)
			}
			*dst = n
		}
	}
	if f.Limit == 0 {
		f.Limit = 100
	}
	return f, nil
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var rec api.AttestationRecord
	if err := json.NewDecoder(io.LimitReader(r.Body, 8*s.maxBody)).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, api.KindInvalidRequest, api.CodeInvalidRequest, "invalid record: "+err.Error())
		return
	}
	resp := verifyResponse{Digest: rec.Digest, Signer: rec.Signer}
	if err := attest.Verify(&rec); err != nil {
		resp.Error = err.Error()
	} else {
		resp.Valid = true
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		http.Error(w, "failed to get stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.store.(audit.Subscriber)
	if !ok {
		http.Error(w, "store does not support streaming", http.StatusNotImplemented)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch, cancel := sub.Subscribe(r.Context())
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case rec, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(rec)
			if err != nil {
				s.logger.Error("encoding streamed record", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: record\nid: %s\ndata: %s\n\n", rec.Digest, data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		http.Error(w, "failed to get stats", http.StatusInternalServerError)
		return
	}
	recent, err := s.store.Query(r.Context(), api.QueryFilter{Limit: 10})
	if err != nil {
		http.Error(w, "failed to query records", http.StatusInternalServerError)
		return
	}
	renderPage(w, "overview", map[string]any{
		"Page":    "overview",
		"Stats":   stats,
		"Records": recent,
	})
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	f, err := parseQuery(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	records, err := s.store.Query(r.Context(), f)
	if err != nil {
		http.Error(w, "failed to query records", http.StatusInternalServerError)
		return
	}
	renderPage(w, "records", map[string]any{
		"Page":    "records",
		"Records": records,
		"Filter":  f,
	})
}

func (s *Server) handleReviews(w http.ResponseWriter, r *http.Request) {
	reqs := s.reviews.Pending()
	if r.URL.Query().Get("all") == "true" {
		reqs = s.reviews.All()
	}
	if reqs == nil {
		reqs = []*approval.Request{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (s *Server) handleReviewDecision(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var err error
	switch r.PathValue("decision") {
	case "approve":
		err = s.reviews.Approve(id)
	case "deny":
		err = s.reviews.Deny(id)
	default:
		writeError(w, http.StatusNotFound, api.KindInvalidRequest, "NOT_FOUND", "decision must be approve or deny")
		return
	}
	switch {
	case errors.Is(err, approval.ErrNotFound):
		writeError(w, http.StatusNotFound, api.KindInvalidRequest, "NOT_FOUND", err.Error())
		return
	case err != nil:
		writeError(w, http.StatusConflict, api.KindInvalidRequest, "ALREADY_RESOLVED", err.Error())
		return
	}
	s.logger.Info("review decided", "id", id, "decision", r.PathValue("decision"))

	// Form posts from the reviews page go back to it
	if r.FormValue("redirect") != "" {
		http.Redirect(w, r, "/reviews", http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": r.PathValue("decision")})
}

func (s *Server) handleReviewsPage(w http.ResponseWriter, r *http.Request) {
	renderPage(w, "reviews", map[string]any{
		"Page":    "reviews",
		"Pending": s.reviews.Pending(),
		"All":     s.reviews.All(),
	})
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
