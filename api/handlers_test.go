package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirhf/imageSearch/services/lookalike-go/client"
	"github.com/amirhf/imageSearch/services/lookalike-go/history"
	"github.com/amirhf/imageSearch/services/lookalike-go/models"
	"github.com/amirhf/imageSearch/services/lookalike-go/storage"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

const testImage = "data:image/jpeg;base64,/9j/4AAQ"

// upstream stands in for the remote similarity service.
type upstream struct {
	mu        sync.Mutex
	search    http.HandlerFunc
	cancelled []string
	searches  []models.SearchRequest
}

func newUpstream(t *testing.T) (*upstream, *httptest.Server) {
	t.Helper()
	u := &upstream{
		search: func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(client.HeaderRequestID, "r-1")
			respond(w, http.StatusOK, map[string]any{"results": []models.SearchResultItem{
				{ID: "a", Similarity: 0.9, Image: "img-a"},
				{ID: "b", Similarity: 0.7, Image: "img-b"},
			}})
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /search", func(w http.ResponseWriter, r *http.Request) {
		var req models.SearchRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		u.mu.Lock()
		u.searches = append(u.searches, req)
		h := u.search
		u.mu.Unlock()
		h(w, r)
	})
	mux.HandleFunc("POST /split", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, map[string]any{"segments": []any{"seg-1", map[string]string{"image": "seg-2"}}})
	})
	mux.HandleFunc("POST /requests/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.cancelled = append(u.cancelled, r.PathValue("id"))
		u.mu.Unlock()
		respond(w, http.StatusOK, map[string]any{"id": r.PathValue("id"), "cancelled": true})
	})
	mux.HandleFunc("GET /requests/recent", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, models.RecentRequests{})
	})
	mux.HandleFunc("POST /requests/cleanup", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, map[string]any{"removed": 0})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return u, server
}

func (u *upstream) setSearch(h http.HandlerFunc) {
	u.mu.Lock()
	u.search = h
	u.mu.Unlock()
}

func (u *upstream) cancelledIDs() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.cancelled...)
}

func (u *upstream) lastSearch() models.SearchRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.searches) == 0 {
		return models.SearchRequest{}
	}
	return u.searches[len(u.searches)-1]
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type testEnv struct {
	upstream *upstream
	client   *client.Client
	store    *storage.MemoryStore
	server   *httptest.Server
}

func newTestEnv(t *testing.T, policy history.CredentialPolicy, origins ...string) *testEnv {
	t.Helper()
	u, up := newUpstream(t)
	c, err := client.New(up.URL, client.WithHTTPClient(&http.Client{}), client.WithLogger(quiet))
	require.NoError(t, err)

	store := storage.NewMemoryStore(0)
	h := NewHandler(c, store, quiet, policy)
	server := httptest.NewServer(h.Routes(origins))
	t.Cleanup(server.Close)
	return &testEnv{upstream: u, client: c, store: store, server: server}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, history.KeepWithoutCredential)
	resp, body := env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestSearch_JSON(t *testing.T) {
	env := newTestEnv(t, history.KeepWithoutCredential)

	resp, body := env.do(t, http.MethodPost, "/api/search", models.SearchRequest{Image: testImage, ResultCount: 1}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var got models.SearchResponse
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got.Results, 1)
	assert.Equal(t, "a", got.Results[0].ID)
	assert.Equal(t, "r-1", got.RequestID)
	assert.Equal(t, 1, env.upstream.lastSearch().ResultCount)
	assert.Zero(t, env.client.InFlight())
}

func TestSearch_Multipart(t *testing.T) {
	env := newTestEnv(t, history.KeepWithoutCredential)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", "shirt.png")
	require.NoError(t, err)
	_, err = part.Write([]byte("\x89PNG\r\n\x1a\n0000"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("resultCount", "7"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(env.server.URL+"/api/search", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sent := env.upstream.lastSearch()
	assert.True(t, strings.HasPrefix(sent.Image, "data:image/png;base64,"), sent.Image)
	assert.Equal(t, 7, sent.ResultCount)
}

func TestSearch_Errors(t *testing.T) {
	tests := map[string]struct {
		body      any
		upstream  http.HandlerFunc
		status    int
		cancelled bool
	}{
		"empty image": {
			body:   models.SearchRequest{},
			status: http.StatusBadRequest,
		},
		"invalid body": {
			body:   "not an object",
			status: http.StatusBadRequest,
		},
		"upstream failure": {
			body: models.SearchRequest{Image: testImage},
			upstream: func(w http.ResponseWriter, r *http.Request) {
				respond(w, http.StatusInternalServerError, map[string]string{"error": "model offline"})
			},
			status: http.StatusBadGateway,
		},
		"cancelled by server": {
			body: models.SearchRequest{Image: testImage},
			upstream: func(w http.ResponseWriter, r *http.Request) {
				respond(w, http.StatusOK, map[string]any{"status": "cancelled"})
			},
			status:    http.StatusConflict,
			cancelled: true,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t, history.KeepWithoutCredential)
			if tt.upstream != nil {
				env.upstream.setSearch(tt.upstream)
			}

			resp, body := env.do(t, http.MethodPost, "/api/search", tt.body, nil)
			assert.Equal(t, tt.status, resp.StatusCode, string(body))

			var got errorResponse
			require.NoError(t, json.Unmarshal(body, &got))
			assert.NotEmpty(t, got.Error)
			assert.Equal(t, tt.cancelled, got.Cancelled)
		})
	}
}

func TestSplit(t *testing.T) {
	env := newTestEnv(t, history.KeepWithoutCredential)

	resp, body := env.do(t, http.MethodPost, "/api/split", models.SplitRequest{Image: testImage}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var got struct {
		Segments []models.Segment `json:"segments"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, []models.Segment{{Image: "seg-1"}, {Image: "seg-2"}}, got.Segments)
}

// A browser starts a search, then cancels it through its session id. The
// search answers 499 and the service is told to stop the request it started.
func TestCancelSession_AbortsSearchAndNotifiesService(t *testing.T) {
	env := newTestEnv(t, history.KeepWithoutCredential)

	started := make(chan struct{})
	env.upstream.setSearch(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(client.HeaderRequestID, "r-9")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		close(started)
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
	})

	type result struct {
		status int
		body   []byte
	}
	done := make(chan result, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPost, env.server.URL+"/api/search",
			strings.NewReader(`{"image":"`+testImage+`"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(client.HeaderSessionID, "tab-1")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			done <- result{}
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		done <- result{resp.StatusCode, body}
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("search never reached the service")
	}

	resp, _ := env.do(t, http.MethodPost, "/api/sessions/tab-1/cancel", nil, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("search did not return after cancel")
	}
	assert.Equal(t, StatusClientClosedRequest, res.status)
	var got errorResponse
	require.NoError(t, json.Unmarshal(res.body, &got))
	assert.True(t, got.Cancelled)

	require.NoError(t, env.client.Close())
	assert.Equal(t, []string{"r-9"}, env.upstream.cancelledIDs())
	assert.Zero(t, env.client.InFlight())

	assert.Eventually(t, func() bool {
		resp, _ := env.do(t, http.MethodPost, "/api/sessions/tab-1/cancel", nil, nil)
		return resp.StatusCode == http.StatusNotFound
	}, time.Second, 10*time.Millisecond, "settled sessions are unregistered")
}

func TestSearch_DuplicateSessionID(t *testing.T) {
	env := newTestEnv(t, history.KeepWithoutCredential)

	release := make(chan struct{})
	started := make(chan struct{})
	env.upstream.setSearch(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		respond(w, http.StatusOK, []models.SearchResultItem{})
	})

	first := make(chan int, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPost, env.server.URL+"/api/search",
			strings.NewReader(`{"image":"`+testImage+`"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(client.HeaderSessionID, "tab-2")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			first <- 0
			return
		}
		resp.Body.Close()
		first <- resp.StatusCode
	}()
	<-started

	resp, _ := env.do(t, http.MethodPost, "/api/search", models.SearchRequest{Image: testImage}, map[string]string{client.HeaderSessionID: "tab-2"})
	close(release)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, http.StatusOK, <-first)
}

func TestCancelRequest(t *testing.T) {
	env := newTestEnv(t, history.KeepWithoutCredential)

	resp, body := env.do(t, http.MethodPost, "/api/requests/r-5/cancel", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ack models.Ack
	require.NoError(t, json.Unmarshal(body, &ack))
	assert.Equal(t, "r-5", ack["id"])
	assert.Equal(t, []string{"r-5"}, env.upstream.cancelledIDs())
}

func TestHistory_Lifecycle(t *testing.T) {
	env := newTestEnv(t, history.KeepWithoutCredential)
	who := map[string]string{HeaderClientID: uuid.NewString()}

	save := func(name string) models.HistoryEntry {
		resp, body := env.do(t, http.MethodPost, "/api/history", historyRequest{
			SourceImageName: name,
			Image:           testImage,
			Results: []models.SearchResultItem{
				{ID: "x", Similarity: 0.3, Image: "img-x"},
				{ID: "y", Similarity: 0.8, Image: "img-y"},
			},
		}, who)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		var got struct {
			Count int                 `json:"count"`
			Entry models.HistoryEntry `json:"entry"`
		}
		require.NoError(t, json.Unmarshal(body, &got))
		assert.Positive(t, got.Count)
		return got.Entry
	}

	first := save("first.jpg")
	assert.Equal(t, 0.8, first.TopSimilarity)
	second := save("second.jpg")

	list := func(headers map[string]string) []models.HistoryEntry {
		resp, body := env.do(t, http.MethodGet, "/api/history", nil, headers)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var entries []models.HistoryEntry
		require.NoError(t, json.Unmarshal(body, &entries))
		return entries
	}
	require.Len(t, list(who), 2)

	resp, body := env.do(t, http.MethodDelete, "/api/history/"+first.ID, nil, who)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"count":1}`, string(body))
	entries := list(who)
	require.Len(t, entries, 1)
	assert.Equal(t, second.ID, entries[0].ID)

	assert.Empty(t, list(map[string]string{HeaderClientID: uuid.NewString()}), "other clients see their own history")

	resp, body = env.do(t, http.MethodDelete, "/api/history", nil, who)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Empty(t, list(who))
}

func TestHistory_IssuesClientCookie(t *testing.T) {
	env := newTestEnv(t, history.KeepWithoutCredential)

	resp, _ := env.do(t, http.MethodPost, "/api/history", historyRequest{SourceImageName: "a.jpg"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var issued *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == ClientCookie {
			issued = c
		}
	}
	require.NotNil(t, issued)
	_, err := uuid.Parse(issued.Value)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/history", nil)
	require.NoError(t, err)
	req.AddCookie(issued)
	got, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer got.Body.Close()

	var entries []models.HistoryEntry
	require.NoError(t, json.NewDecoder(got.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "a.jpg", entries[0].SourceImageName)
	assert.Empty(t, got.Cookies(), "known clients get no new cookie")
}

func TestHistory_ClearsWithoutCredential(t *testing.T) {
	env := newTestEnv(t, history.ClearWithoutCredential)
	who := map[string]string{HeaderClientID: uuid.NewString()}

	resp, _ := env.do(t, http.MethodPost, "/api/history", historyRequest{SourceImageName: "a.jpg"}, who)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	authed := map[string]string{HeaderClientID: who[HeaderClientID], "Authorization": "Bearer token"}
	_, body := env.do(t, http.MethodGet, "/api/history", nil, authed)
	assert.NotEqual(t, "[]\n", string(body))

	_, body = env.do(t, http.MethodGet, "/api/history", nil, who)
	assert.JSONEq(t, `[]`, string(body))
}

func TestHistory_InvalidBody(t *testing.T) {
	env := newTestEnv(t, history.KeepWithoutCredential)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, env.server.URL+"/api/history", strings.NewReader("{"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistory_ConcurrentSavesForOneClient(t *testing.T) {
	env := newTestEnv(t, history.KeepWithoutCredential)
	who := map[string]string{HeaderClientID: uuid.NewString()}

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body, _ := json.Marshal(historyRequest{SourceImageName: "concurrent.jpg"})
			req, _ := http.NewRequest(http.MethodPost, env.server.URL+"/api/history", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set(HeaderClientID, who[HeaderClientID])
			if resp, err := http.DefaultClient.Do(req); err == nil {
				resp.Body.Close()
			}
		}()
	}
	wg.Wait()

	_, body := env.do(t, http.MethodGet, "/api/history", nil, who)
	var entries []models.HistoryEntry
	require.NoError(t, json.Unmarshal(body, &entries))
	assert.Len(t, entries, history.MaxEntries, "no save lost to a concurrent write")
}

func TestHistory_AnonymousReadsKeepNoState(t *testing.T) {
	env := newTestEnv(t, history.KeepWithoutCredential)

	for i := 0; i < 50; i++ {
		resp, body := env.do(t, http.MethodGet, "/api/history", nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, "[]", string(body))

		var issued string
		for _, c := range resp.Cookies() {
			if c.Name == ClientCookie {
				issued = c.Value
			}
		}
		require.NotEmpty(t, issued)
		_, err := env.store.Get(context.Background(), history.DefaultKey+":"+issued)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func TestCORS_Credentials(t *testing.T) {
	get := func(t *testing.T, env *testEnv) http.Header {
		t.Helper()
		req, err := http.NewRequest(http.MethodGet, env.server.URL+"/health", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", "http://app.test")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.Header
	}

	t.Run("wildcard origin", func(t *testing.T) {
		h := get(t, newTestEnv(t, history.KeepWithoutCredential))
		assert.Equal(t, "*", h.Get("Access-Control-Allow-Origin"))
		assert.Empty(t, h.Get("Access-Control-Allow-Credentials"))
	})

	t.Run("explicit origin", func(t *testing.T) {
		h := get(t, newTestEnv(t, history.KeepWithoutCredential, "http://app.test"))
		assert.Equal(t, "http://app.test", h.Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", h.Get("Access-Control-Allow-Credentials"))
	})
}

// A browser uploads a photo, gets ranked matches back, and records the
// search in its history.
func TestSearchThenSave_EndToEnd(t *testing.T) {
	env := newTestEnv(t, history.KeepWithoutCredential)
	ranked := []models.SearchResultItem{
		{ID: "best", Similarity: 0.95, Image: "img-best"},
		{ID: "good", Similarity: 0.80, Image: "img-good"},
		{ID: "weak", Similarity: 0.40, Image: "img-weak"},
	}
	env.upstream.setSearch(func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, map[string]any{"results": ranked})
	})

	photo := image.NewRGBA(image.Rect(0, 0, 100, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 100; x++ {
			photo.Set(x, y, color.RGBA{R: uint8(2 * x), G: uint8(2 * y), B: 90, A: 255})
		}
	}
	var raw bytes.Buffer
	require.NoError(t, jpeg.Encode(&raw, photo, nil))
	encoded, err := client.EncodeReader(&raw)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(encoded, "data:image/jpeg;base64,"))

	resp, body := env.do(t, http.MethodPost, "/api/search", models.SearchRequest{Image: encoded, ResultCount: 3}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var found models.SearchResponse
	require.NoError(t, json.Unmarshal(body, &found))
	assert.Equal(t, ranked, found.Results)
	assert.Equal(t, encoded, env.upstream.lastSearch().Image)

	who := map[string]string{HeaderClientID: uuid.NewString()}
	resp, body = env.do(t, http.MethodPost, "/api/history", historyRequest{
		SourceImageName: "photo.jpg",
		Image:           encoded,
		Results:         found.Results,
	}, who)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var saved struct {
		Count int                 `json:"count"`
		Entry models.HistoryEntry `json:"entry"`
	}
	require.NoError(t, json.Unmarshal(body, &saved))
	assert.Equal(t, 1, saved.Count)
	assert.Equal(t, 0.95, saved.Entry.TopSimilarity)
	assert.Equal(t, ranked, saved.Entry.Results)

	thumb, err := base64.StdEncoding.DecodeString(saved.Entry.Thumbnail)
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(thumb))
	require.NoError(t, err)
	assert.Equal(t, 100, img.Bounds().Dx())

	_, body = env.do(t, http.MethodGet, "/api/history", nil, who)
	var entries []models.HistoryEntry
	require.NoError(t, json.Unmarshal(body, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, 0.95, entries[0].TopSimilarity)
	assert.Equal(t, []string{"best", "good", "weak"}, []string{entries[0].Results[0].ID, entries[0].Results[1].ID, entries[0].Results[2].ID})
}
