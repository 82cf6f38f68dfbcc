package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/communityrelay/internal/handlers"
	"github.com/nfrund/communityrelay/internal/pubsub"
	"github.com/nfrund/communityrelay/internal/relay"
)

type fixedCounter int

func (n fixedCounter) Count() int { return int(n) }

func (n fixedCounter) UserCount() int { return int(n) - 1 }

type recordingPublisher struct {
	mu       sync.Mutex
	messages []pubsub.Message
	err      error
}

func (p *recordingPublisher) Publish(_ context.Context, msg pubsub.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func newEcho(h *handlers.RelayHandler) *echo.Echo {
	e := echo.New()
	e.Validator = handlers.NewValidator()
	e.GET("/stats", h.Stats)
	e.POST("/admin/broadcast", h.Broadcast)
	return e
}

func postBroadcast(e *echo.Echo, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/admin/broadcast", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRelayHandler_Stats(t *testing.T) {
	e := newEcho(handlers.NewRelayHandler(fixedCounter(3), fixedCounter(3), &recordingPublisher{}))

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"connections":3,"users":2}`, rec.Body.String())

	e = newEcho(handlers.NewRelayHandler(fixedCounter(1), nil, &recordingPublisher{}))
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.JSONEq(t, `{"connections":1,"users":0}`, rec.Body.String())
}

func TestRelayHandler_Broadcast(t *testing.T) {
	t.Run("publishes the system broadcast event", func(t *testing.T) {
		pub := &recordingPublisher{}
		e := newEcho(handlers.NewRelayHandler(fixedCounter(0), nil, pub))

		rec := postBroadcast(e, `{"data": {"notice": "maintenance at noon"}}`)
		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.JSONEq(t, `{"status":"queued"}`, rec.Body.String())

		require.Len(t, pub.messages, 1)
		msg := pub.messages[0]
		assert.Equal(t, relay.SystemBroadcastEvent.Name(), msg.Topic)

		data, err := relay.SystemBroadcastEvent.Decode(msg)
		require.NoError(t, err)
		assert.JSONEq(t, `{"notice":"maintenance at noon"}`, string(data))
	})

	t.Run("null data is accepted", func(t *testing.T) {
		pub := &recordingPublisher{}
		e := newEcho(handlers.NewRelayHandler(fixedCounter(0), nil, pub))

		rec := postBroadcast(e, `{"data": null}`)
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Len(t, pub.messages, 1)
	})

	t.Run("missing data is rejected", func(t *testing.T) {
		pub := &recordingPublisher{}
		e := newEcho(handlers.NewRelayHandler(fixedCounter(0), nil, pub))

		rec := postBroadcast(e, `{"notice": "hi"}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)

		var body handlers.ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "validation_failed", body.Code)
		assert.Empty(t, pub.messages)
	})

	t.Run("invalid JSON body is rejected", func(t *testing.T) {
		pub := &recordingPublisher{}
		e := newEcho(handlers.NewRelayHandler(fixedCounter(0), nil, pub))

		rec := postBroadcast(e, `{invalid json`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, pub.messages)
	})

	t.Run("publish failure surfaces as server error", func(t *testing.T) {
		pub := &recordingPublisher{err: errors.New("bus closed")}
		e := newEcho(handlers.NewRelayHandler(fixedCounter(0), nil, pub))

		rec := postBroadcast(e, `{"data": 1}`)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
