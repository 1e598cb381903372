// Package api exposes the search client and the search history over HTTP for
// browser front ends.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/amirhf/imageSearch/services/lookalike-go/client"
	"github.com/amirhf/imageSearch/services/lookalike-go/history"
	"github.com/amirhf/imageSearch/services/lookalike-go/models"
	"github.com/amirhf/imageSearch/services/lookalike-go/storage"
)

const (
	// HeaderClientID identifies the browser whose history a request touches.
	HeaderClientID = "X-Client-ID"
	// ClientCookie carries the client id when the header is absent.
	ClientCookie = "lookalike_client"

	// StatusClientClosedRequest reports a search the caller cancelled.
	StatusClientClosedRequest = 499

	maxUploadBytes = 32 << 20

	// historyStripes bounds the locks serialising history writes per client.
	historyStripes = 64
)

type Handler struct {
	client *client.Client
	store  storage.Store
	logger *slog.Logger
	policy history.CredentialPolicy
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*client.Session

	historyLocks [historyStripes]sync.Mutex
}

func NewHandler(c *client.Client, store storage.Store, logger *slog.Logger, policy history.CredentialPolicy) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		client:   c,
		store:    store,
		logger:   logger,
		policy:   policy,
		now:      time.Now,
		sessions: make(map[string]*client.Session),
	}
}

type historyRequest struct {
	SourceImageName string                    `json:"sourceImageName"`
	Image           string                    `json:"image"`
	Results         []models.SearchResultItem `json:"results"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	req, err := decodeUpload(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	s, release, err := h.session(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer release()

	results, err := s.Search(r.Context(), req.Image, req.ResultCount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.SearchResponse{Results: results, RequestID: s.RemoteID()})
}

func (h *Handler) Split(w http.ResponseWriter, r *http.Request) {
	req, err := decodeUpload(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	s, release, err := h.session(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer release()

	segments, err := s.Split(r.Context(), req.Image)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"segments": segments, "requestId": s.RemoteID()})
}

// CancelSession cancels a search registered under an X-Session-ID header.
func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	h.mu.Lock()
	s, ok := h.sessions[id]
	h.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown session"})
		return
	}

	s.Cancel()
	writeJSON(w, http.StatusAccepted, map[string]any{"sessionId": id, "state": s.State().String()})
}

// CancelRequest asks the search service to stop a request by its remote id.
func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	ack, err := h.client.Cancel(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, client.ErrMissingRequestID) {
		h.writeError(w, r, err)
		return
	}
	if err != nil {
		h.logger.Warn("cancel request failed", "err", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	cache, unlock := h.clientHistory(w, r)
	defer unlock()
	cache.EnforceCredential(r.Context(), r.Header.Get("Authorization") != "")
	writeJSON(w, http.StatusOK, cache.GetAll(r.Context()))
}

func (h *Handler) SaveHistory(w http.ResponseWriter, r *http.Request) {
	var req historyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUploadBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	cache, unlock := h.clientHistory(w, r)
	defer unlock()
	entry := history.NewEntry(req.SourceImageName, req.Image, req.Results, h.now())
	count := cache.Save(r.Context(), entry)
	writeJSON(w, http.StatusOK, map[string]any{"count": count, "entry": entry})
}

func (h *Handler) DeleteHistory(w http.ResponseWriter, r *http.Request) {
	cache, unlock := h.clientHistory(w, r)
	defer unlock()
	count := cache.DeleteByID(r.Context(), chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (h *Handler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	cache, unlock := h.clientHistory(w, r)
	defer unlock()
	ok := cache.ClearAll(r.Context())
	status := http.StatusOK
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]bool{"ok": ok})
}

// session returns a fresh client session, registered under the request's
// X-Session-ID when one is given. release must be called when the call ends.
func (h *Handler) session(r *http.Request) (*client.Session, func(), error) {
	s := h.client.NewSession()
	id := r.Header.Get(client.HeaderSessionID)
	if id == "" {
		return s, func() {}, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, taken := h.sessions[id]; taken {
		return nil, nil, fmt.Errorf("session %q: %w", id, client.ErrSessionUsed)
	}
	h.sessions[id] = s
	return s, func() {
		h.mu.Lock()
		delete(h.sessions, id)
		h.mu.Unlock()
	}, nil
}

// clientHistory returns the history of the calling client, issuing a client cookie
// when the request carries no id. Requests for the same client are serialised
// until unlock is called. Nothing is kept per client between requests.
func (h *Handler) clientHistory(w http.ResponseWriter, r *http.Request) (cache *history.Cache, unlock func()) {
	id := clientID(r)
	if id == "" {
		id = uuid.NewString()
		http.SetCookie(w, &http.Cookie{
			Name:     ClientCookie,
			Value:    id,
			Path:     "/",
			MaxAge:   int((365 * 24 * time.Hour).Seconds()),
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}

	lock := &h.historyLocks[stripe(id)]
	lock.Lock()
	cache = history.New(h.store,
		history.WithKey(history.DefaultKey+":"+id),
		history.WithLogger(h.logger.With("client", id)),
		history.WithClock(h.now),
		history.WithCredentialPolicy(h.policy),
	)
	return cache, lock.Unlock
}

func stripe(id string) int {
	f := fnv.New32a()
	f.Write([]byte(id))
	return int(f.Sum32() % historyStripes)
}

func clientID(r *http.Request) string {
	if id := r.Header.Get(HeaderClientID); validClientID(id) {
		return id
	}
	if c, err := r.Cookie(ClientCookie); err == nil && validClientID(c.Value) {
		return c.Value
	}
	return ""
}

func validClientID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// decodeUpload reads an image either from a JSON body or from the "image"
// field of a multipart form.
func decodeUpload(w http.ResponseWriter, r *http.Request) (models.SearchRequest, error) {
	var req models.SearchRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return req, &client.FileReadError{Path: "image", Cause: err}
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			return req, &client.FileReadError{Path: "image", Cause: err}
		}
		defer file.Close()

		encoded, err := client.EncodeReader(file)
		if err != nil {
			var fre *client.FileReadError
			if errors.As(err, &fre) {
				fre.Path = header.Filename
			}
			return req, err
		}
		req.Image = encoded
		if v := r.FormValue("resultCount"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				req.ResultCount = n
			}
		}
		return req, nil
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, &client.FileReadError{Path: "body", Cause: err}
	}
	return req, nil
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	resp := errorResponse{Error: err.Error()}

	switch {
	case errors.Is(err, client.ErrFileRead), errors.Is(err, client.ErrEmptyImage), errors.Is(err, client.ErrMissingRequestID):
		status = http.StatusBadRequest
	case errors.Is(err, client.ErrRequestCancelledByServer):
		status = http.StatusConflict
		resp.Cancelled = true
	case errors.Is(err, client.ErrRequestCancelled):
		status = StatusClientClosedRequest
		resp.Cancelled = true
	case errors.Is(err, client.ErrSessionUsed):
		status = http.StatusConflict
	case errors.Is(err, client.ErrUploadFailed), errors.Is(err, client.ErrSplitFailed):
		status = http.StatusBadGateway
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "status", status, "err", err)
	} else {
		h.logger.Debug("request rejected", "path", r.URL.Path, "status", status, "err", err)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
