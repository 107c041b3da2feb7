package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"filedrop/internal/delivery"
	"filedrop/internal/models"
	"filedrop/internal/registry"
	"filedrop/internal/transfer"
	"filedrop/pkg/utils"
)

// History is the read side of the transfer history store.
type History interface {
	List(ctx context.Context, limit int) ([]models.TransferHistory, error)
}

type Options struct {
	DeviceName     string
	MaxUploadBytes int64
	// URLs are the LAN addresses the server is reachable at.
	URLs []string
}

type Deps struct {
	Hub      *Hub
	Devices  *registry.Registry
	Store    *transfer.Store
	Uploads  *transfer.Aggregator
	Packager *delivery.Packager
	// History may be nil when no history backend is configured.
	History History
}

type Server struct {
	opts     Options
	hub      *Hub
	devices  *registry.Registry
	store    *transfer.Store
	uploads  *transfer.Aggregator
	packager *delivery.Packager
	history  History
	log      zerolog.Logger
}

func NewServer(opts Options, deps Deps, log zerolog.Logger) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 1 << 30
	}
	return &Server{
		opts:     opts,
		hub:      deps.Hub,
		devices:  deps.Devices,
		store:    deps.Store,
		uploads:  deps.Uploads,
		packager: deps.Packager,
		history:  deps.History,
		log:      log.With().Str("component", "api").Logger(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /download/{id}", s.handleDownload)

	mux.HandleFunc("GET /api/devices", s.handleDevices)
	mux.HandleFunc("GET /api/transfers/{id}", s.handleTransfer)
	mux.HandleFunc("POST /api/transfers/{id}/complete", s.handleComplete)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/info", s.handleInfo)

	return mux
}

// Serve runs the HTTP server on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("http shutdown")
		}
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ---- Transfer Handlers ----

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonError(w, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit), http.StatusRequestEntityTooLarge)
			return
		}
		s.log.Error().Err(err).Msg("form error")
		jsonError(w, "No file part", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.log.Error().Msg("no file in request")
		jsonError(w, "No file part", http.StatusBadRequest)
		return
	}
	defer file.Close()

	id := r.FormValue("transfer_id")
	if id == "" {
		s.log.Error().Msg("no transfer_id in upload request")
		jsonError(w, "No transfer ID", http.StatusBadRequest)
		return
	}

	isDirectory := r.FormValue("is_directory") == "true"
	name := header.Filename
	if isDirectory {
		name = r.FormValue("relative_path")
	}
	if name == "" {
		jsonError(w, transfer.ErrEmptyPayload.Error(), http.StatusBadRequest)
		return
	}

	rec, err := s.uploads.RecordFile(id, name, isDirectory, file)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"transfer_id": id,
		"message":     "File uploaded successfully",
		"file":        rec,
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	opts := delivery.Options{
		ClientIsMobile: isMobile(r.UserAgent()),
		Destination:    r.URL.Query().Get("download_dir"),
	}

	d, err := s.packager.Deliver(r.Context(), id, opts)
	if err != nil && d == nil {
		s.writeError(w, err)
		return
	}

	switch d.Method {
	case delivery.MethodFile, delivery.MethodArchive:
		defer d.Content.Close()
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": d.Name}))
		if d.Method == delivery.MethodArchive {
			w.Header().Set("Content-Type", "application/zip")
		}
		http.ServeContent(w, r, d.Name, d.ModTime, d.Content)

	case delivery.MethodCopy:
		resp := map[string]any{
			"success":      true,
			"message":      fmt.Sprintf("Directory downloaded to %s", d.Destination),
			"path":         d.Destination,
			"files_copied": d.FilesCopied,
		}
		if err != nil {
			resp["message"] = fmt.Sprintf("Directory downloaded to %s with %d files missing", d.Destination, len(d.Missing))
			resp["missing"] = d.Missing
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// ---- App Handlers ----

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.devices.Snapshot())
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.store.Get(r.PathValue("id"))
	if !ok {
		jsonError(w, transfer.ErrSessionNotFound.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.store.Complete(r.PathValue("id"))
	jsonOK(w, "completed")
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	history := []models.TransferHistory{}
	if s.history != nil {
		items, err := s.history.List(r.Context(), limit)
		if err != nil {
			s.log.Error().Err(err).Msg("history query failed")
			jsonError(w, "DB error", http.StatusInternalServerError)
			return
		}
		if items != nil {
			history = items
		}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"device_name":       s.opts.DeviceName,
		"urls":              s.opts.URLs,
		"connected_devices": s.devices.Len(),
		"active_transfers":  s.store.Len(),
	})
}

// ---- Helpers ----

// clientAddress is the first X-Forwarded-For entry or the peer address. A
// loopback address is replaced by this machine's LAN address.
func clientAddress(r *http.Request) string {
	host := ""
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		host = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if host == "" {
		h, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			h = r.RemoteAddr
		}
		host = h
	}
	if utils.IsLoopback(host) {
		if ips := utils.LANAddresses(); len(ips) > 0 {
			host = ips[0]
		}
	}
	return host
}

func isMobile(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	for _, marker := range []string{"mobile", "iphone", "android"} {
		if strings.Contains(ua, marker) {
			return true
		}
	}
	return false
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, transfer.ErrFilesMissing), errors.Is(err, transfer.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, transfer.ErrInvalidState), errors.Is(err, transfer.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, transfer.ErrPartialFailure):
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers with the reason behind err. The cause chain can name
// server paths, so it only goes to the log.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	} else {
		s.log.Warn().Err(err).Msg("request rejected")
	}
	body := map[string]any{"error": transfer.Message(err)}
	var terr *transfer.Error
	if errors.As(err, &terr) && terr.Status != "" {
		body["status"] = terr.Status
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonOK(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": msg})
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}
