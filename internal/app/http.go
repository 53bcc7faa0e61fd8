package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vigil/internal/auth"
	"vigil/internal/connectivity"
	"vigil/internal/export"
	"vigil/internal/geo"
	"vigil/internal/location"
	"vigil/internal/logger"
	"vigil/internal/outbound"
	"vigil/internal/rbac"
	"vigil/internal/safeupload"
	"vigil/internal/search"
	"vigil/internal/store"
)

const maxMediaBytes = 32 << 20

// Syncer runs a user-initiated sync.
type Syncer interface {
	ManualSync(ctx context.Context) error
}

// HTTPOptions wires the optional collaborators of the local API. Nil members
// disable the routes that need them.
type HTTPOptions struct {
	CORSOrigin string
	// TokenSecret turns on bearer-token checks for everything but health probes.
	TokenSecret  string
	Syncer       Syncer
	Connectivity *connectivity.Monitor
	Location     *location.Feed
	Tracker      *location.Tracker
	Exporter     *export.Service
	Metrics      http.Handler
	Logger       *logger.Logger
}

type HTTPServer struct {
	service *Service
	opts    HTTPOptions
	log     *logger.Logger
}

func NewHTTPServer(service *Service, opts HTTPOptions) *HTTPServer {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	if opts.Exporter == nil {
		opts.Exporter = export.NewService(service, nil)
	}
	return &HTTPServer{service: service, opts: opts, log: log.WithComponent("http")}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"store": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["store"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		if s.opts.Connectivity != nil {
			checks["network"] = map[string]any{"online": s.opts.Connectivity.Online()}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" && s.opts.Metrics != nil {
		s.opts.Metrics.ServeHTTP(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	role, ok := s.authorize(w, r)
	if !ok {
		return
	}
	denied := false
	allow := func(action rbac.Action) bool {
		if rbac.Can(role, action) {
			return true
		}
		if !denied {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		}
		denied = true
		return false
	}

	switch parts[1] {
	case "public":
		if len(parts) == 3 && parts[2] == "reports" && r.Method == http.MethodGet && allow(rbac.ActionReadPublic) {
			writeJSON(w, http.StatusOK, map[string]any{"reports": publicViews(s.service.Reports())})
			return
		}
		if len(parts) == 4 && parts[2] == "reports" && r.Method == http.MethodGet && allow(rbac.ActionReadPublic) {
			report, found := s.service.Report(parts[3])
			if !found {
				writeError(w, http.StatusNotFound, "NOT_FOUND", "Report not found", nil)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"report": PublicView(report)})
			return
		}
	case "search":
		if len(parts) == 2 && r.Method == http.MethodGet && allow(rbac.ActionReadPublic) {
			s.handleSearch(w, r)
			return
		}
	case "reports":
		if len(parts) == 2 {
			if r.Method == http.MethodGet && allow(rbac.ActionRead) {
				writeJSON(w, http.StatusOK, map[string]any{"reports": s.service.Reports()})
				return
			}
			if r.Method == http.MethodPost && allow(rbac.ActionWrite) {
				s.handleCreateReport(w, r)
				return
			}
		}
		if len(parts) >= 3 {
			s.handleReport(w, r, parts[2], parts, allow)
			return
		}
	case "media":
		if len(parts) == 2 && r.Method == http.MethodPost && allow(rbac.ActionWrite) {
			s.handleUploadMedia(w, r)
			return
		}
		if len(parts) == 3 && r.Method == http.MethodGet && allow(rbac.ActionRead) {
			s.handleMediaContent(w, r, parts[2])
			return
		}
	case "settings":
		if len(parts) == 2 {
			s.handleSettings(w, r, allow)
			return
		}
	case "sync":
		if len(parts) == 2 && r.Method == http.MethodPost && s.opts.Syncer != nil && allow(rbac.ActionWrite) {
			if err := s.opts.Syncer.ManualSync(r.Context()); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
			return
		}
	case "connectivity":
		if len(parts) == 2 && s.opts.Connectivity != nil {
			s.handleConnectivity(w, r, allow)
			return
		}
	case "location":
		if len(parts) == 2 {
			s.handleLocation(w, r, allow)
			return
		}
	}

	if !denied {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleReport(w http.ResponseWriter, r *http.Request, reportID string, parts []string, allow func(rbac.Action) bool) {
	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			if !allow(rbac.ActionRead) {
				return
			}
			report, found := s.service.Report(reportID)
			if !found {
				writeError(w, http.StatusNotFound, "NOT_FOUND", "Report not found", nil)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"report": report})
		case http.MethodDelete:
			if !allow(rbac.ActionWrite) {
				return
			}
			if err := s.service.Delete(r.Context(), reportID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"deleted": reportID})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 5 && parts[3] == "archive" && r.Method == http.MethodGet {
		if !allow(rbac.ActionRead) {
			return
		}
		snapshot, err := s.service.ArchiveSnapshot(reportID, parts[4])
		s.writeReport(w, snapshot, err)
		return
	}
	if len(parts) != 4 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	switch {
	case parts[3] == "advance" && r.Method == http.MethodPost:
		if !allow(rbac.ActionWrite) {
			return
		}
		report, err := s.service.Advance(r.Context(), reportID)
		s.writeReport(w, report, err)
	case parts[3] == "resolve" && r.Method == http.MethodPost:
		if !allow(rbac.ActionWrite) {
			return
		}
		report, err := s.service.ForceResolve(r.Context(), reportID)
		s.writeReport(w, report, err)
	case parts[3] == "export" && r.Method == http.MethodGet:
		if !allow(rbac.ActionRead) {
			return
		}
		s.handleExport(w, r, reportID)
	case parts[3] == "message" && r.Method == http.MethodGet:
		if !allow(rbac.ActionRead) {
			return
		}
		s.handleMessage(w, r, reportID)
	case parts[3] == "safe-upload" && r.Method == http.MethodGet:
		if !allow(rbac.ActionRead) {
			return
		}
		report, found := s.service.Report(reportID)
		if !found {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Report not found", nil)
			return
		}
		remaining := safeupload.Remaining(report.SafeUpload, s.service.Now(), s.service.Policy())
		writeJSON(w, http.StatusOK, map[string]any{
			"required":         report.SafeUpload.Required,
			"ready":            report.SafeUpload.Ready,
			"remainingSeconds": int(remaining.Seconds()),
		})
	case parts[3] == "archive" && r.Method == http.MethodGet:
		if !allow(rbac.ActionRead) {
			return
		}
		limit := 50
		if rawLimit := strings.TrimSpace(r.URL.Query().Get("limit")); rawLimit != "" {
			if parsedLimit, err := strconv.Atoi(rawLimit); err == nil && parsedLimit > 0 {
				limit = parsedLimit
			}
		}
		commits, err := s.service.ArchiveHistory(reportID, limit)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"commits": commits})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	var input CreateInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	report, err := s.service.Create(r.Context(), input)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"report": report})
}

func (s *HTTPServer) handleUploadMedia(w http.ResponseWriter, r *http.Request) {
	kind := store.MediaKind(strings.TrimSpace(r.URL.Query().Get("kind")))
	name := r.URL.Query().Get("name")
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxMediaBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Cannot read media body", nil)
		return
	}
	if len(raw) > maxMediaBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "TOO_LARGE", "Media exceeds the upload limit", nil)
		return
	}
	m, err := s.service.UploadMedia(r.Context(), kind, name, raw, r.Header.Get("Content-Type"))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"media": m})
}

func (s *HTTPServer) handleMediaContent(w http.ResponseWriter, r *http.Request, ref string) {
	data, err := s.service.MediaContent(r.Context(), ref)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, reportID string) {
	format := export.Format(strings.TrimSpace(r.URL.Query().Get("format")))
	if format == "" {
		format = export.FormatJSON
	}
	result, err := s.opts.Exporter.Export(r.Context(), export.Request{
		ReportID: reportID,
		Format:   format,
		Redact:   r.URL.Query().Get("redact") == "true",
	})
	if err != nil {
		switch {
		case errors.Is(err, export.ErrReportNotFound):
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Report not found", nil)
		case errors.Is(err, export.ErrUnsupportedFormat):
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be json, html or pdf", nil)
		case errors.Is(err, export.ErrPDFDependencyMissing):
			writeError(w, http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export is unavailable on this device", nil)
		default:
			s.log.WithReport(reportID).Error("export failed", slog.String("format", string(format)), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Export failed", nil)
		}
		return
	}

	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleMessage(w http.ResponseWriter, r *http.Request, reportID string) {
	query := r.URL.Query()
	opts := outbound.Options{
		Channel: outbound.Channel(strings.TrimSpace(query.Get("channel"))),
		Exact:   query.Get("exact") == "true",
	}
	if opts.Channel == "" {
		opts.Channel = outbound.ChannelSMS
	}
	if rawMax := strings.TrimSpace(query.Get("maxDescription")); rawMax != "" {
		if parsed, err := strconv.Atoi(rawMax); err == nil && parsed > 0 {
			opts.MaxDescription = parsed
		}
	}
	msg, err := s.service.ComposeMessage(reportID, opts)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": msg})
}

func (s *HTTPServer) handleSettings(w http.ResponseWriter, r *http.Request, allow func(rbac.Action) bool) {
	switch r.Method {
	case http.MethodGet:
		if !allow(rbac.ActionRead) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"settings": s.service.Settings()})
	case http.MethodPut:
		if !allow(rbac.ActionWrite) {
			return
		}
		var body store.Settings
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
			return
		}
		settings, err := s.service.UpdateSettings(r.Context(), body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"settings": settings})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleConnectivity(w http.ResponseWriter, r *http.Request, allow func(rbac.Action) bool) {
	switch r.Method {
	case http.MethodGet:
		if !allow(rbac.ActionRead) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"online": s.opts.Connectivity.Online()})
	case http.MethodPut:
		if !allow(rbac.ActionWrite) {
			return
		}
		var body struct {
			Online *bool `json:"online"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
			return
		}
		if body.Online == nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "online is required", map[string]any{"fields": []string{"online"}})
			return
		}
		s.opts.Connectivity.Set(*body.Online)
		writeJSON(w, http.StatusOK, map[string]any{"online": s.opts.Connectivity.Online()})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleLocation(w http.ResponseWriter, r *http.Request, allow func(rbac.Action) bool) {
	switch {
	case r.Method == http.MethodPost && s.opts.Location != nil:
		if !allow(rbac.ActionWrite) {
			return
		}
		var fix geo.Point
		if err := decodeBody(r, &fix); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
			return
		}
		if err := s.opts.Location.Publish(fix); err != nil {
			status, code, message, details := mapError(ErrInvalidLocation)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
	case r.Method == http.MethodGet && s.opts.Tracker != nil:
		if !allow(rbac.ActionRead) {
			return
		}
		// Exact position of the observer.
		payload := map[string]any{"location": s.opts.Tracker.Last()}
		if s.opts.Location != nil {
			payload["watchers"] = s.opts.Location.Watchers()
		}
		writeJSON(w, http.StatusOK, payload)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := search.Query{
		Text:         strings.TrimSpace(query.Get("q")),
		FilterStatus: strings.TrimSpace(query.Get("status")),
	}
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			q.Limit = parsed
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			q.Offset = parsed
		}
	}
	writeJSON(w, http.StatusOK, s.service.Search(q))
}

func (s *HTTPServer) writeReport(w http.ResponseWriter, report store.Report, err error) {
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

// authorize resolves the caller's role. Without a configured secret every
// caller has full access.
func (s *HTTPServer) authorize(w http.ResponseWriter, r *http.Request) (rbac.Role, bool) {
	if s.opts.TokenSecret == "" {
		return rbac.RoleObserver, true
	}
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return "", false
	}
	claims, err := auth.ParseToken([]byte(s.opts.TokenSecret), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return "", false
	}
	return rbac.Normalize(claims.Role), true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.opts.CORSOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Info("request",
			slog.String("request_id", requestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", writer.status),
			slog.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
