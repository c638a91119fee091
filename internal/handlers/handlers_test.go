package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"velora-sync/internal/backend"
	"velora-sync/internal/backend/memory"
	"velora-sync/internal/handlers"
	"velora-sync/internal/middleware"
	"velora-sync/internal/models"
	"velora-sync/internal/pairing"
	"velora-sync/internal/realtime"
	"velora-sync/internal/services"
	"velora-sync/internal/suggest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePresigner struct{}

func (fakePresigner) PresignUpload(ctx context.Context, key, contentType string, ttl time.Duration) (string, string, error) {
	return "https://upload.example.com/" + key, "https://cdn.example.com/" + key, nil
}

type fakeSuggester struct {
	text string
	err  error
}

func (f fakeSuggester) Suggest(ctx context.Context, prompt, partnerName string) (string, error) {
	return f.text, f.err
}

type api struct {
	srv     *httptest.Server
	backend *memory.Backend
}

func newAPI(t *testing.T, suggester backend.Suggester) *api {
	t.Helper()
	mem := memory.New()
	auth := services.NewAuthService(mem, mem, "test-secret", time.Hour)
	router := handlers.NewRouter(handlers.RouterConfig{
		Auth:        auth,
		Pairing:     pairing.NewService(mem, mem),
		Memories:    services.NewMemoryService(mem, mem, fakePresigner{}),
		Suggester:   suggester,
		Hub:         realtime.NewHub(mem.Broker(), mem),
		RedeemLimit: middleware.NewRateLimiter(0.001, 5, nil),
		Metrics:     true,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &api{srv: srv, backend: mem}
}

func (a *api) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, a.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func (a *api) signUp(t *testing.T, email string) backend.Session {
	t.Helper()
	resp, body := a.do(t, http.MethodPost, "/api/v1/auth/signup", "", map[string]string{
		"email": email, "password": "correct horse",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var s backend.Session
	require.NoError(t, json.Unmarshal(body, &s))
	return s
}

func errorOf(t *testing.T, body []byte) string {
	t.Helper()
	var e handlers.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	return e.Error
}

func TestAuthRoutes(t *testing.T) {
	a := newAPI(t, nil)
	s := a.signUp(t, "alex@example.com")

	resp, body := a.do(t, http.MethodPost, "/api/v1/auth/signup", "", map[string]string{
		"email": "alex@example.com", "password": "correct horse",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = a.do(t, http.MethodPost, "/api/v1/auth/signup", "", map[string]string{
		"email": "nope", "password": "correct horse",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = a.do(t, http.MethodPost, "/api/v1/auth/signin", "", map[string]string{
		"email": "alex@example.com", "password": "wrong password",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = a.do(t, http.MethodPost, "/api/v1/auth/refresh", s.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var refreshed backend.Session
	require.NoError(t, json.Unmarshal(body, &refreshed))
	assert.Equal(t, s.Identity.ID, refreshed.Identity.ID)

	resp, body = a.do(t, http.MethodGet, "/api/v1/me", s.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var me models.Identity
	require.NoError(t, json.Unmarshal(body, &me))
	assert.Equal(t, "alex@example.com", me.Email)

	resp, _ = a.do(t, http.MethodGet, "/api/v1/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = a.do(t, http.MethodPut, "/api/v1/me/push-token", s.AccessToken, map[string]string{"push_token": "device"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	identity, err := a.backend.GetIdentity(context.Background(), s.Identity.ID)
	require.NoError(t, err)
	require.NotNil(t, identity.PushToken)
	assert.Equal(t, "device", *identity.PushToken)
}

func TestPairingRoutes(t *testing.T) {
	a := newAPI(t, nil)
	alex := a.signUp(t, "alex@example.com")
	blair := a.signUp(t, "blair@example.com")
	casey := a.signUp(t, "casey@example.com")

	resp, body := a.do(t, http.MethodPost, "/api/v1/pairing/code", alex.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var code handlers.CodeResponse
	require.NoError(t, json.Unmarshal(body, &code))
	assert.True(t, strings.HasPrefix(code.Code, "LOVE-"))

	resp, body = a.do(t, http.MethodPost, "/api/v1/pairing/redeem", alex.AccessToken, handlers.RedeemRequest{Code: code.Code})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, errorOf(t, body), "yourself")

	resp, body = a.do(t, http.MethodPost, "/api/v1/pairing/redeem", blair.AccessToken, handlers.RedeemRequest{Code: strings.ToLower(code.Code)})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var couple models.Couple
	require.NoError(t, json.Unmarshal(body, &couple))
	assert.True(t, couple.Formed())

	profile, err := a.backend.GetProfile(context.Background(), alex.Identity.ID)
	require.NoError(t, err)
	require.True(t, profile.Paired())
	assert.Equal(t, blair.Identity.ID, *profile.PartnerID)

	resp, body = a.do(t, http.MethodPost, "/api/v1/pairing/redeem", casey.AccessToken, handlers.RedeemRequest{Code: code.Code})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, errorOf(t, body), "already been used")

	resp, _ = a.do(t, http.MethodPost, "/api/v1/pairing/redeem", casey.AccessToken, handlers.RedeemRequest{Code: "LOVE-0000"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = a.do(t, http.MethodPost, "/api/v1/pairing/redeem", casey.AccessToken, handlers.RedeemRequest{Code: "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = a.do(t, http.MethodPost, "/api/v1/pairing/redeem", "", handlers.RedeemRequest{Code: code.Code})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// a paired identity cannot take a second partner
	resp, body = a.do(t, http.MethodPost, "/api/v1/pairing/code", casey.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var caseyCode handlers.CodeResponse
	require.NoError(t, json.Unmarshal(body, &caseyCode))
	resp, body = a.do(t, http.MethodPost, "/api/v1/pairing/redeem", blair.AccessToken, handlers.RedeemRequest{Code: caseyCode.Code})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, errorOf(t, body), "already paired")
}

func TestPairingRedeemIsRateLimited(t *testing.T) {
	a := newAPI(t, nil)
	casey := a.signUp(t, "casey@example.com")

	var last int
	for i := 0; i < 6; i++ {
		resp, _ := a.do(t, http.MethodPost, "/api/v1/pairing/redeem", casey.AccessToken, handlers.RedeemRequest{Code: "LOVE-0000"})
		last = resp.StatusCode
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestMemoryRoutes(t *testing.T) {
	a := newAPI(t, nil)
	alex := a.signUp(t, "alex@example.com")

	resp, body := a.do(t, http.MethodPost, "/api/v1/memories/upload", alex.AccessToken, services.UploadRequest{
		Filename: "beach.png", ContentType: "image/png", Caption: "Beach day",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var upload services.UploadResponse
	require.NoError(t, json.Unmarshal(body, &upload))
	assert.True(t, strings.HasPrefix(upload.UploadURL, "https://upload.example.com/memories/"+alex.Identity.ID+"/"))

	resp, _ = a.do(t, http.MethodPost, "/api/v1/memories/upload", alex.AccessToken, services.UploadRequest{ContentType: "image/png"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = a.do(t, http.MethodPost, "/api/v1/memories/upload", alex.AccessToken, services.UploadRequest{Filename: "a.txt", ContentType: "text/plain"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = a.do(t, http.MethodGet, "/api/v1/memories?limit=10", alex.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page handlers.MemoriesResponse
	require.NoError(t, json.Unmarshal(body, &page))
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Memories, 1)
	assert.Equal(t, "Beach day", page.Memories[0].Caption)
}

func TestSuggestRoutes(t *testing.T) {
	tests := []struct {
		name      string
		suggester fakeSuggester
		status    int
	}{
		{name: "ok", suggester: fakeSuggester{text: "Stargazing"}, status: http.StatusOK},
		{name: "empty prompt", suggester: fakeSuggester{err: suggest.ErrEmptyPrompt}, status: http.StatusBadRequest},
		{name: "rate limited", suggester: fakeSuggester{err: suggest.ErrRateLimited}, status: http.StatusTooManyRequests},
		{name: "unavailable", suggester: fakeSuggester{err: suggest.ErrUnavailable}, status: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAPI(t, tt.suggester)
			alex := a.signUp(t, "alex@example.com")
			resp, body := a.do(t, http.MethodPost, "/api/v1/suggestions", alex.AccessToken, handlers.SuggestRequest{Prompt: "cozy", PartnerName: "Blair"})
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.status == http.StatusOK {
				var out handlers.SuggestResponse
				require.NoError(t, json.Unmarshal(body, &out))
				assert.Equal(t, "Stargazing", out.Suggestion)
			}
		})
	}
}

func TestWebSocketRoute(t *testing.T) {
	a := newAPI(t, nil)
	alex := a.signUp(t, "alex@example.com")
	wsURL := "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/ws"

	_, err := realtime.Dial(context.Background(), wsURL, "garbage")
	assert.Error(t, err)

	c, err := realtime.Dial(context.Background(), wsURL, alex.AccessToken)
	require.NoError(t, err)
	defer c.Close()

	received := make(chan models.Change, 1)
	sub, err := c.Subscribe(context.Background(), []models.Filter{
		{Table: models.TableProfiles, Op: models.OpUpdate, Column: "id", Value: alex.Identity.ID},
	}, func(ch models.Change) { received <- ch })
	require.NoError(t, err)
	defer sub.Close()

	nick := "Lex"
	require.NoError(t, a.backend.UpdateProfile(context.Background(), alex.Identity.ID, models.ProfilePatch{Nickname: &nick}))

	select {
	case ch := <-received:
		assert.Equal(t, models.TableProfiles, ch.Table)
	case <-time.After(5 * time.Second):
		t.Fatal("no change relayed")
	}
}

func TestMetricsRoute(t *testing.T) {
	a := newAPI(t, nil)
	resp, body := a.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "velora_")
}
