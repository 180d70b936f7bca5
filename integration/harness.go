package integration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mk12/mira/app"
	"github.com/mk12/mira/cache"
	"github.com/mk12/mira/canvas"
	"github.com/mk12/mira/config"
	"github.com/mk12/mira/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const AdminKey = "integration-admin-key"

// TestServer wraps a real HTTP server over the fully wired app.
type TestServer struct {
	App    *app.App
	DB     *gorm.DB
	Cache  cache.Cache
	PubSub cache.PubSub
	Clock  *canvas.FixedClock
	Server *httptest.Server
	URL    string
	Config *config.Config
}

// NewTestServer creates a server with the same wiring as main.go over an
// in-memory database and local cache.
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.SetupTestDB(t)
	c, pubsub := testutil.SetupTestCache(t)
	clock := &canvas.FixedClock{T: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}

	cfg := &config.Config{
		Server: config.ServerConfig{AdminKey: AdminKey},
		Security: config.SecurityConfig{
			JWTSecret:         "integration-test-secret",
			JWTTTLH:           72 * time.Hour,
			RateLimitRPS:      1000,
			RateLimitBurst:    2000,
			MinPasswordLength: 8,
			BcryptCost:        bcrypt.MinCost,
		},
		Social: config.SocialConfig{MaxFriends: 6, LockTTL: 5 * time.Second},
		Canvas: config.CanvasConfig{
			FadePeriod:     time.Hour,
			FadeMultiplier: 0.95,
			ThumbnailSize:  100,
			MaxUploadBytes: 1 << 20,
			MaxPixels:      1 << 20,
		},
	}
	require.NoError(t, cfg.Validate())

	a, err := app.New(cfg, app.Deps{DB: db, Cache: c, PubSub: pubsub, Logger: zap.NewNop(), Clock: clock})
	require.NoError(t, err)

	server := httptest.NewServer(a.Router)
	ts := &TestServer{
		App:    a,
		DB:     db,
		Cache:  c,
		PubSub: pubsub,
		Clock:  clock,
		Server: server,
		URL:    server.URL,
		Config: cfg,
	}
	t.Cleanup(ts.Close)
	return ts
}

// Close shuts down the server and the app's background work.
func (ts *TestServer) Close() {
	ts.App.SSE.Close()
	ts.Server.Close()
	ts.App.Close(context.Background())
}

// --- HTTP helpers ---

// Do sends a request. A []byte body is sent raw; anything else non-nil is
// JSON-encoded.
func (ts *TestServer) Do(t *testing.T, method, path string, body any, token string) *http.Response {
	t.Helper()
	var rd io.Reader
	contentType := ""
	switch b := body.(type) {
	case nil:
	case []byte:
		rd, contentType = bytes.NewReader(b), "image/png"
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd, contentType = bytes.NewReader(data), "application/json"
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// PostJSON sends a POST request with JSON body and optional Bearer token.
func (ts *TestServer) PostJSON(t *testing.T, path string, body any, token string) *http.Response {
	t.Helper()
	return ts.Do(t, http.MethodPost, path, body, token)
}

// Get sends a GET request with optional Bearer token.
func (ts *TestServer) Get(t *testing.T, path string, token string) *http.Response {
	t.Helper()
	return ts.Do(t, http.MethodGet, path, nil, token)
}

// ReadJSON reads and decodes a JSON response body into the given target.
func ReadJSON(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, target), "body: %s", string(data))
}

// ReadBody reads and closes a response body.
func ReadBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return data
}

// Expect asserts the status of resp and closes its body.
func Expect(t *testing.T, resp *http.Response, status int) {
	t.Helper()
	body := ReadBody(t, resp)
	require.Equal(t, status, resp.StatusCode, "body: %s", string(body))
}

// --- Auth helpers ---

// User is a registered test identity.
type User struct {
	ID       int64
	Name     string
	Password string
	Token    string
}

// Register creates an account and returns it with a live token.
func (ts *TestServer) Register(t *testing.T, username string) *User {
	t.Helper()
	u := &User{Name: username, Password: "password-" + username}
	resp := ts.PostJSON(t, "/api/auth/register", map[string]string{
		"username": u.Name,
		"password": u.Password,
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var result struct {
		Token     string `json:"token"`
		AccountID int64  `json:"account_id"`
	}
	ReadJSON(t, resp, &result)
	u.ID, u.Token = result.AccountID, result.Token
	return u
}

// Login signs u in again and returns the new token.
func (ts *TestServer) Login(t *testing.T, u *User) string {
	t.Helper()
	resp := ts.PostJSON(t, "/api/auth/login", map[string]string{
		"username": u.Name,
		"password": u.Password,
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result struct {
		Token string `json:"token"`
	}
	ReadJSON(t, resp, &result)
	return result.Token
}

// --- SSE client ---

// SSEEvent is one server-sent event.
type SSEEvent struct {
	Name string
	Data string
}

// SSEClient reads events from /sse in a background goroutine.
type SSEClient struct {
	events chan SSEEvent
	cancel context.CancelFunc
}

// ConnectSSE opens an event stream for token and waits for the connected
// event, after which the subscription is live.
func (ts *TestServer) ConnectSSE(t *testing.T, token string) *SSEClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/sse?token="+token, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sc := &SSEClient{events: make(chan SSEEvent, 64), cancel: cancel}
	go sc.readLoop(resp.Body)
	t.Cleanup(sc.Close)

	ev := sc.Next(t, 5*time.Second)
	require.Equal(t, "connected", ev.Name)
	return sc
}

func (sc *SSEClient) readLoop(body io.ReadCloser) {
	defer close(sc.events)
	defer body.Close()
	rd := bufio.NewReader(body)
	var ev SSEEvent
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.Name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.Data = strings.TrimPrefix(line, "data: ")
		case line == "" && ev.Name != "":
			sc.events <- ev
			ev = SSEEvent{}
		}
	}
}

// Next returns the next event or fails the test after timeout.
func (sc *SSEClient) Next(t *testing.T, timeout time.Duration) SSEEvent {
	t.Helper()
	select {
	case ev, ok := <-sc.events:
		require.True(t, ok, "sse stream closed")
		return ev
	case <-time.After(timeout):
		t.Fatalf("no sse event within %s", timeout)
		return SSEEvent{}
	}
}

// Close ends the stream.
func (sc *SSEClient) Close() {
	sc.cancel()
}

// --- Misc ---

var idCounter atomic.Int64

// UniqueID returns a username-safe identifier unique within the test binary.
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano()%100000, idCounter.Add(1))
}
