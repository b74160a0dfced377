package hass

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	Method  string
	Path    string
	Auth    string
	ReqID   string
	Payload map[string]any
}

func newCaptureServer(t *testing.T, status int) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var reqs []capturedRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		mu.Lock()
		reqs = append(reqs, capturedRequest{
			Method:  r.Method,
			Path:    r.URL.Path,
			Auth:    r.Header.Get("Authorization"),
			ReqID:   r.Header.Get("X-Request-ID"),
			Payload: payload,
		})
		mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)

	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), reqs...)
	}
}

func TestClient_SendPostsServiceCall(t *testing.T) {
	srv, captured := newCaptureServer(t, http.StatusOK)
	c := NewClient(ClientConfig{BaseURL: srv.URL + "/", Token: "secret"})

	var hooked []Outcome
	c.OnOutcome(func(o Outcome) { hooked = append(hooked, o) })

	out := c.Send(context.Background(), "fan.set_percentage", map[string]any{
		"entity_id":  "fan.bedroom",
		"percentage": 40,
	})

	require.True(t, out.OK(), "outcome error: %v", out.Err)
	assert.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, "fan.bedroom", out.EntityID)
	assert.NotEmpty(t, out.RequestID)

	reqs := captured()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, "/api/services/fan/set_percentage", reqs[0].Path)
	assert.Equal(t, "Bearer secret", reqs[0].Auth)
	assert.Equal(t, out.RequestID, reqs[0].ReqID)
	assert.Equal(t, "fan.bedroom", reqs[0].Payload["entity_id"])
	assert.Equal(t, 40.0, reqs[0].Payload["percentage"])

	require.Len(t, hooked, 1)
	assert.Equal(t, out.RequestID, hooked[0].RequestID)
}

func TestClient_SendReportsRejection(t *testing.T) {
	srv, _ := newCaptureServer(t, http.StatusBadRequest)
	c := NewClient(ClientConfig{BaseURL: srv.URL, Token: "secret"})

	out := c.Send(context.Background(), "light.turn_on", map[string]any{"entity_id": "light.a"})

	assert.False(t, out.OK())
	assert.Equal(t, http.StatusBadRequest, out.Status)
	assert.Contains(t, out.Err.Error(), "400")
}

func TestClient_SendNetworkFailureDoesNotPanic(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c := NewClient(ClientConfig{BaseURL: base, Token: "t", Timeout: time.Second})

	var out Outcome
	assert.NotPanics(t, func() {
		out = c.Send(context.Background(), "light.turn_off", map[string]any{"entity_id": "light.a"})
	})
	assert.False(t, out.OK())
	assert.Zero(t, out.Status)
}

func TestClient_SendInvalidService(t *testing.T) {
	srv, captured := newCaptureServer(t, http.StatusOK)
	c := NewClient(ClientConfig{BaseURL: srv.URL})

	out := c.Send(context.Background(), "turn_on", nil)

	assert.True(t, errors.Is(out.Err, ErrInvalidService))
	assert.Empty(t, captured())
}

func TestClient_SetTokenAppliesToNextRequest(t *testing.T) {
	srv, captured := newCaptureServer(t, http.StatusOK)
	c := NewClient(ClientConfig{BaseURL: srv.URL, Token: "old"})

	c.SetToken("new")
	c.Send(context.Background(), "light.toggle", map[string]any{"entity_id": "light.a"})

	reqs := captured()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Bearer new", reqs[0].Auth)
}

func TestSplitService(t *testing.T) {
	tests := []struct {
		in         string
		domain     string
		action     string
		wantErrMsg string
	}{
		{in: "fan.set_percentage", domain: "fan", action: "set_percentage"},
		{in: "media_player.volume_set", domain: "media_player", action: "volume_set"},
		{in: "turn_on", wantErrMsg: "domain.action"},
		{in: ".turn_on", wantErrMsg: "domain.action"},
		{in: "light.", wantErrMsg: "domain.action"},
		{in: "a.b.c", wantErrMsg: "domain.action"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			domain, action, err := SplitService(tt.in)
			if tt.wantErrMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErrMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.domain, domain)
			assert.Equal(t, tt.action, action)
		})
	}
}

func TestClient_HistoryKeepsNumericPoints(t *testing.T) {
	var gotPath, gotFilter string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotFilter = r.URL.Query().Get("filter_entity_id")
		_, _ = w.Write([]byte(`[[
			{"entity_id":"sensor.t","state":"21.5","last_changed":"2024-05-01T10:00:00+00:00"},
			{"entity_id":"sensor.t","state":"unavailable","last_changed":"2024-05-01T10:05:00+00:00"},
			{"entity_id":"sensor.t","state":"unknown","last_changed":"2024-05-01T10:06:00+00:00"},
			{"entity_id":"sensor.t","state":"warm","last_changed":"2024-05-01T10:07:00+00:00"},
			{"entity_id":"sensor.t","state":"22","last_changed":"2024-05-01T10:10:00+00:00"}
		]]`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, Token: "t"})
	points, err := c.History(context.Background(), "sensor.t", 6*time.Hour)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(gotPath, "/api/history/period/"))
	assert.Equal(t, "sensor.t", gotFilter)
	require.Len(t, points, 2)
	assert.Equal(t, 21.5, points[0].Value)
	assert.Equal(t, 22.0, points[1].Value)
}

func TestClient_HistoryEmptySeries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	points, err := c.History(context.Background(), "sensor.none", 0)
	require.NoError(t, err)
	assert.Empty(t, points)
}
