// Package web serves the browser front end and its JSON API. Each browser
// session owns one workspace and therefore one orchestrator.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"storyboard-studio/internal/archive"
	"storyboard-studio/internal/document"
	"storyboard-studio/internal/imagegen"
	"storyboard-studio/internal/pipeline"
	"storyboard-studio/internal/prompt"
	"storyboard-studio/internal/style"
	"storyboard-studio/internal/workspace"
)

const (
	sessionCookie  = "sid"
	maxUploadBytes = 40 << 20
)

// Uploader publishes an archive and returns a download URL.
type Uploader interface {
	Upload(ctx context.Context, workspaceID string, data []byte) (string, error)
}

type Options struct {
	Workspaces *workspace.Store
	// Uploader is optional; without it archives are only downloadable.
	Uploader       Uploader
	Static         fs.FS
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

type Server struct {
	workspaces *workspace.Store
	uploader   Uploader
	static     fs.FS
	timeout    time.Duration
	logger     *slog.Logger
}

type apiError struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type runResponse struct {
	Workspace string `json:"workspace"`
	pipeline.Snapshot
	SummaryMessage string `json:"summary_message,omitempty"`
	FailedIDs      []int  `json:"failed_ids,omitempty"`
}

type stylesResponse struct {
	Presets      []style.NamedOption    `json:"presets"`
	AspectRatios []imagegen.AspectRatio `json:"aspect_ratios"`
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	workspaces := opts.Workspaces
	if workspaces == nil {
		workspaces = workspace.NewStore(workspace.Options{})
	}

	return &Server{
		workspaces: workspaces,
		uploader:   opts.Uploader,
		static:     opts.Static,
		timeout:    timeout,
		logger:     logger,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/run", s.handleRun)
	mux.HandleFunc("GET /api/run", s.handleSnapshot)
	mux.HandleFunc("DELETE /api/run", s.handleReset)
	mux.HandleFunc("GET /api/run/failed", s.handleFailed)
	mux.HandleFunc("POST /api/run/retry", s.handleRetry)
	mux.HandleFunc("GET /api/run/events", s.handleEvents)
	mux.HandleFunc("GET /api/run/archive", s.handleArchive)
	mux.HandleFunc("GET /api/styles", s.handleStyles)
	if s.static != nil {
		mux.Handle("/", http.FileServer(http.FS(s.static)))
	}
	return withLogging(mux, s.logger)
}

func (s *Server) workspace(w http.ResponseWriter, r *http.Request) *workspace.Workspace {
	var id string
	if c, err := r.Cookie(sessionCookie); err == nil {
		id = c.Value
	}

	ws, _ := s.workspaces.GetOrCreate(id)
	if ws.ID != id {
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookie,
			Value:    ws.ID,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	return ws
}

// runContext outlives the request so a run finishes even if the browser
// navigates away; progress is still visible through the events endpoint.
func (s *Server) runContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), s.timeout)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	ws := s.workspace(w, r)

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid multipart form"})
		return
	}

	req, err := s.parseRunRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ctx, cancel := s.runContext(r)
	defer cancel()

	if _, err := ws.Orchestrator.Run(ctx, req); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotResponse(ws))
}

func (s *Server) parseRunRequest(r *http.Request) (pipeline.Request, error) {
	mode, err := pipeline.ParseMode(r.FormValue("mode"))
	if err != nil {
		return pipeline.Request{}, err
	}

	req := pipeline.Request{
		Mode:          mode,
		Script:        r.FormValue("script"),
		CustomPrompts: r.FormValue("prompts"),
		Niche:         strings.TrimSpace(r.FormValue("niche")),
		StyleKeywords: style.Keywords(r.FormValue("style_preset"), r.FormValue("style_keywords")),
		AspectRatio:   imagegen.AspectRatio(strings.TrimSpace(r.FormValue("aspect_ratio"))),
	}

	if data, header, ok, err := formFile(r, "document"); err != nil {
		return req, err
	} else if ok {
		text, err := document.Extract(data, document.KindFromFilename(header.Filename))
		if err != nil {
			return req, &pipeline.Error{
				Kind:    pipeline.KindInputValidation,
				Message: fmt.Sprintf("Could not read %q. Upload a .txt, .md or .docx file.", header.Filename),
				Err:     err,
			}
		}
		req.Script = text
	}

	if data, header, ok, err := formFile(r, "reference_image"); err != nil {
		return req, err
	} else if ok {
		req.Reference = &style.Reference{Data: data, MimeType: detectMime(header, data)}
	}

	return req, nil
}

func formFile(r *http.Request, field string) ([]byte, *multipart.FileHeader, bool, error) {
	if r.MultipartForm == nil {
		return nil, nil, false, nil
	}
	file, header, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, &pipeline.Error{Kind: pipeline.KindInputValidation, Message: "invalid " + field + " upload", Err: err}
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, nil, false, &pipeline.Error{Kind: pipeline.KindInputValidation, Message: "failed to read " + field, Err: err}
	}
	if len(data) == 0 {
		return nil, nil, false, nil
	}
	return data, header, true, nil
}

func detectMime(header *multipart.FileHeader, data []byte) string {
	mimeType := strings.TrimSpace(header.Header.Get("Content-Type"))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	return mimeType
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, snapshotResponse(s.workspace(w, r)))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	ws := s.workspace(w, r)
	if err := ws.Orchestrator.Reset(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotResponse(ws))
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	ws := s.workspace(w, r)
	w.Header().Set("content-type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, prompt.Format(ws.Orchestrator.Failed()))
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	ws := s.workspace(w, r)

	ctx, cancel := s.runContext(r)
	defer cancel()

	ratio := imagegen.AspectRatio(strings.TrimSpace(r.FormValue("aspect_ratio")))
	if _, _, err := ws.Orchestrator.RetryFailed(ctx, ratio); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotResponse(ws))
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	ws := s.workspace(w, r)
	snap := ws.Orchestrator.Snapshot()

	files := archive.Storyboard(snap.Results, snap.Prompts)
	if len(files) == 0 {
		writeJSON(w, http.StatusNotFound, apiError{Error: "there are no images to download yet"})
		return
	}
	data, err := archive.Package(files)
	if err != nil {
		s.logger.Error("archive failed", "workspace", ws.ID, "err", err)
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "could not build the archive"})
		return
	}

	if r.URL.Query().Get("upload") == "1" {
		if s.uploader == nil {
			writeJSON(w, http.StatusServiceUnavailable, apiError{Error: "archive upload is not configured"})
			return
		}
		url, err := s.uploader.Upload(r.Context(), ws.ID, data)
		if err != nil {
			s.logger.Error("archive upload failed", "workspace", ws.ID, "err", err)
			writeJSON(w, http.StatusBadGateway, apiError{Error: "archive upload failed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": url})
		return
	}

	w.Header().Set("content-type", "application/zip")
	w.Header().Set("content-disposition", `attachment; filename="storyboard.zip"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleStyles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, stylesResponse{
		Presets:      style.Presets(),
		AspectRatios: imagegen.AspectRatios(),
	})
}

func snapshotResponse(ws *workspace.Workspace) runResponse {
	snap := ws.Orchestrator.Snapshot()
	resp := runResponse{Workspace: ws.ID, Snapshot: snap}
	if snap.Summary != nil {
		resp.SummaryMessage = snap.Summary.Message()
	}
	for _, res := range snap.Results {
		if !res.OK() {
			resp.FailedIDs = append(resp.FailedIDs, res.ID)
		}
	}
	return resp
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, body := errorResponse(err)
	if status >= 500 {
		s.logger.Error("request failed", "status", status, "err", err)
	}
	writeJSON(w, status, body)
}

func errorResponse(err error) (int, apiError) {
	if errors.Is(err, pipeline.ErrBusy) {
		return http.StatusConflict, apiError{Error: "A generation run is already in progress. Wait for it to finish."}
	}

	kind := pipeline.KindOf(err)
	body := apiError{Error: err.Error(), Kind: kind.String()}
	switch kind {
	case pipeline.KindInputValidation:
		return http.StatusBadRequest, body
	case pipeline.KindConfiguration:
		return http.StatusServiceUnavailable, body
	case pipeline.KindStyleAnalysis, pipeline.KindPromptSynthesis:
		return http.StatusBadGateway, body
	default:
		return http.StatusInternalServerError, apiError{Error: "request failed", Kind: kind.String()}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withLogging(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Info("http", "method", r.Method, "path", r.URL.Path, "dur_ms", time.Since(start).Milliseconds())
	})
}
