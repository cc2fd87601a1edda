package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/xrypthon/pubdrive/pkg/drive"
	"github.com/xrypthon/pubdrive/pkg/logging"
	"github.com/xrypthon/pubdrive/pkg/registry"
	"github.com/xrypthon/pubdrive/pkg/server/middleware"
	"github.com/xrypthon/pubdrive/pkg/xerrors"
)

// DefaultMaxUploadBytes caps a single multipart upload.
const DefaultMaxUploadBytes = 100 << 20

// Server exposes the drive over HTTP.
type Server struct {
	Drive *drive.Service
	Log   logging.Logger
	Opts  Options
}

// Options configure auth, upload limits and rate limiting.
type Options struct {
	// APIKey, when set, is required on uploads only. Retrieval stays open.
	APIKey string
	// RateLimit throttles password checks and downloads per client.
	RateLimit      middleware.RateLimitOptions
	MaxUploadBytes int64
}

// Start begins listening on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	s.logger().Info(ctx, "http server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the routed and wrapped handler.
func (s *Server) Handler() http.Handler {
	limit := middleware.RateLimit(s.Opts.RateLimit)
	auth := middleware.APIKeyAuth(s.Opts.APIKey)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("POST /upload", middleware.Wrap(http.HandlerFunc(s.handleUpload), auth))
	mux.Handle("GET /download/{id}", middleware.Wrap(http.HandlerFunc(s.handleDownload), limit))
	mux.Handle("POST /download/{id}", middleware.Wrap(http.HandlerFunc(s.handleDownload), limit))
	mux.Handle("POST /verify-password", middleware.Wrap(http.HandlerFunc(s.handleVerify), limit))
	mux.HandleFunc("GET /files", s.handleList)
	mux.HandleFunc("GET /files/{id}", s.handleDescribe)
	return middleware.Wrap(mux, middleware.RequestLog(s.Log))
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	limit := s.Opts.MaxUploadBytes
	if limit <= 0 {
		limit = DefaultMaxUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			http.Error(w, "upload too large", http.StatusRequestEntityTooLarge)
			return
		}
		httpError(w, xerrors.Wrap(xerrors.KindNoFile, "httpapi.upload", "", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		httpError(w, xerrors.Wrap(xerrors.KindNoFile, "httpapi.upload", "", err))
		return
	}
	defer file.Close()

	view, err := s.Drive.Upload(r.Context(), drive.UploadRequest{
		Body:      file,
		Name:      header.Filename,
		MediaType: header.Header.Get("Content-Type"),
		Size:      header.Size,
		Protect:   isChecked(r.FormValue("protectFile")),
		Password:  r.FormValue("password"),
	})
	if err != nil {
		httpError(w, err)
		return
	}
	w.Header().Set("Location", view.Path)
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var (
		dl  *drive.Download
		err error
	)
	if token := r.URL.Query().Get("token"); token != "" {
		dl, err = s.Drive.OpenWithGrant(ctx, id, token)
	} else {
		dl, err = s.Drive.Open(ctx, id, passwordFrom(r))
	}
	if err != nil {
		httpError(w, err)
		return
	}
	defer dl.Close()

	mediaType := dl.MediaType
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Content-Length", strconv.FormatInt(dl.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.Name}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := io.Copy(w, dl); err != nil {
		s.logger().Warn(ctx, "download interrupted", "id", id, "err", err)
	}
}

type verifyRequest struct {
	FileID   string `json:"fileId"`
	Password string `json:"password"`
}

type verifyResponse struct {
	Success   bool       `json:"success"`
	Token     string     `json:"token,omitempty"`
	Path      string     `json:"path,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Message   string     `json:"message,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, verifyResponse{Message: "invalid JSON body"})
			return
		}
	} else {
		req.FileID = r.FormValue("fileId")
		req.Password = r.FormValue("password")
	}

	token, exp, err := s.Drive.Unlock(r.Context(), req.FileID, req.Password)
	if err != nil {
		status := statusFor(err)
		msg := "Incorrect password."
		switch {
		case status >= http.StatusInternalServerError:
			msg = "internal error"
		case xerrors.Is(err, xerrors.KindNotFound):
			msg = "File not found or not protected."
		}
		writeJSON(w, status, verifyResponse{Message: msg})
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{
		Success:   true,
		Token:     token,
		Path:      registry.DownloadPath(req.FileID) + "?token=" + token,
		ExpiresAt: &exp,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))
	views := make([]registry.View, 0)
	for v := range s.Drive.List(r.Context()) {
		if q != "" && !strings.Contains(strings.ToLower(v.Name), q) {
			continue
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleDescribe(w http.ResponseWriter, r *http.Request) {
	view, err := s.Drive.Describe(r.Context(), r.PathValue("id"))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func passwordFrom(r *http.Request) string {
	if v := r.Header.Get("X-File-Password"); v != "" {
		return v
	}
	return r.FormValue("password")
}

func isChecked(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on", "true", "1", "yes":
		return true
	}
	return false
}

func statusFor(err error) int {
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound:
		return http.StatusNotFound
	case xerrors.KindUnauthorized:
		return http.StatusForbidden
	case xerrors.KindWeakCredential, xerrors.KindNoFile, xerrors.KindInvalid:
		return http.StatusBadRequest
	case xerrors.KindAlreadyExists:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// httpError writes a plain-text error. Server-side failures get a generic
// message so storage paths and hashes never reach the client.
func httpError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := xerrors.KindOf(err).String()
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound:
		msg = "File not found."
	case xerrors.KindUnauthorized:
		msg = "This file is password protected."
	case xerrors.KindWeakCredential:
		msg = "Password must be at least 4 characters for protected files."
	case xerrors.KindNoFile:
		msg = "No file uploaded."
	}
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	http.Error(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) logger() logging.Logger {
	if s.Log == nil {
		return logging.Nop()
	}
	return s.Log
}
