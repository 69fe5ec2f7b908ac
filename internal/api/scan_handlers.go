package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/scanengine/internal/scan"
	"github.com/JakeFAU/scanengine/internal/submit"
)

type urlScanRequest struct {
	URL   string `json:"url"`
	Force bool   `json:"force"`
}

type appScanRequest struct {
	AppID string `json:"appId"`
	Force bool   `json:"force"`
}

type addressScanRequest struct {
	Address string `json:"address"`
	Chain   string `json:"chain"`
	Force   bool   `json:"force"`
}

type scanQueuedResponse struct {
	ScanID  string `json:"scanId"`
	Slug    string `json:"slug"`
	Deduped bool   `json:"deduped,omitempty"`
}

func (s *Server) submitURL(w http.ResponseWriter, r *http.Request) {
	var req urlScanRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url is required", scan.KindInvalidTarget)
		return
	}
	s.submit(w, r, submit.Request{Target: req.URL, TargetType: scan.TargetURL, Force: req.Force})
}

func (s *Server) submitApp(w http.ResponseWriter, r *http.Request) {
	var req appScanRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.AppID) == "" {
		writeError(w, http.StatusBadRequest, "appId is required", scan.KindInvalidTarget)
		return
	}
	s.submit(w, r, submit.Request{Target: req.AppID, TargetType: scan.TargetApp, Force: req.Force})
}

func (s *Server) submitAddress(w http.ResponseWriter, r *http.Request) {
	var req addressScanRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Address) == "" {
		writeError(w, http.StatusBadRequest, "address is required", scan.KindInvalidTarget)
		return
	}
	var meta map[string]any
	if chain := strings.ToLower(strings.TrimSpace(req.Chain)); chain != "" {
		meta = map[string]any{"chain": chain}
	}
	s.submit(w, r, submit.Request{Target: req.Address, TargetType: scan.TargetAddress, Force: req.Force, Meta: meta})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, req submit.Request) {
	req.RequestID = RequestID(r.Context())
	req.Identity = s.identity(r)
	res, err := s.submitter.Submit(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if res.Deduped {
		writeJSON(w, http.StatusOK, scanQueuedResponse{ScanID: res.ScanID, Slug: res.Slug, Deduped: true})
		return
	}
	writeJSON(w, http.StatusAccepted, scanQueuedResponse{ScanID: res.ScanID, Slug: res.Slug})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "id")
	if scanID == "" || (s.opts.ValidID != nil && !s.opts.ValidID(scanID)) {
		writeError(w, http.StatusNotFound, "scan not found", scan.KindNotFound)
		return
	}
	snap, err := s.status.GetStatus(r.Context(), scanID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", scan.KindInvalidTarget)
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON", scan.KindInvalidTarget)
		return false
	}
	return true
}

func (s *Server) identity(r *http.Request) string {
	if s.opts.IdentityHeader != "" {
		if id := strings.TrimSpace(r.Header.Get(s.opts.IdentityHeader)); id != "" {
			return "key:" + id
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	kind := scan.KindOf(err)
	status, msg := statusForKind(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("kind", kind),
			zap.String("request_id", RequestID(r.Context())),
			zap.Error(err),
		)
	}
	if kind == scan.KindInvalidTarget {
		msg = err.Error()
	}
	writeError(w, status, msg, kind)
}

func statusForKind(kind string) (int, string) {
	switch kind {
	case scan.KindInvalidTarget:
		return http.StatusBadRequest, "invalid target"
	case scan.KindNotFound:
		return http.StatusNotFound, "scan not found"
	case scan.KindQuotaExceeded:
		return http.StatusTooManyRequests, "quota exceeded"
	case scan.KindQueueUnavailable:
		return http.StatusServiceUnavailable, "scan queue unavailable"
	case scan.KindStoreUnavailable:
		return http.StatusServiceUnavailable, "scan store unavailable"
	case scan.KindSlugExhausted:
		return http.StatusInternalServerError, "could not allocate a scan slug"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}
