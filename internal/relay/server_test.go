package relay_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/communityrelay/internal/pubsub"
	"github.com/nfrund/communityrelay/internal/relay"
)

var testClock = func() time.Time {
	return time.Date(2030, 1, 2, 3, 4, 5, 6_000_000, time.UTC)
}

// testFixture holds a running relay behind an httptest server.
type testFixture struct {
	relay  *relay.Server
	bus    *pubsub.WatermillBridge
	server *httptest.Server
	cancel context.CancelFunc
}

// setupTestFixture starts a relay with the given options; missing
// dependencies are filled with an in-memory bus.
func setupTestFixture(t *testing.T, opts relay.Options, deps relay.Dependencies) *testFixture {
	t.Helper()

	bus := pubsub.NewWatermillBridge(nil)
	if deps.Publisher == nil {
		deps.Publisher = bus
	}
	if deps.Subscriber == nil {
		deps.Subscriber = bus
	}
	if opts.Clock == nil {
		opts.Clock = testClock
	}

	srv := relay.New(opts, deps)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)
	<-srv.Ready()

	e := echo.New()
	e.GET("/ws", srv.Handler())
	ts := httptest.NewServer(e)

	t.Cleanup(func() {
		cancel()
		<-srv.Done()
		ts.Close()
		bus.Close()
	})

	return &testFixture{relay: srv, bus: bus, server: ts, cancel: cancel}
}

func (f *testFixture) url(query string) string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws" + query
}

// connect dials the relay as userID and consumes the welcome envelope.
func (f *testFixture) connect(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	conn := f.dial(t, "?userId="+userID)
	welcome := readEnvelope(t, conn)
	require.Equal(t, relay.KindWelcome, welcome.Type)
	return conn
}

func (f *testFixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.Dial(context.Background(), f.url(query), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	conn.SetReadLimit(4 << 20)
	t.Cleanup(func() {
		conn.CloseNow()
	})
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) relay.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, raw, err := conn.Read(ctx)
	require.NoError(t, err)
	env, err := relay.Decode(raw)
	require.NoError(t, err)
	return env
}

func write(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(payload)))
}

func TestServer_WelcomeOnConnect(t *testing.T) {
	f := setupTestFixture(t, relay.Options{}, relay.Dependencies{})

	conn := f.dial(t, "?userId=7")
	env := readEnvelope(t, conn)

	assert.Equal(t, relay.KindWelcome, env.Type)
	assert.Equal(t, relay.WelcomeMessage, env.Message)
	assert.Equal(t, "2030-01-02T03:04:05.006Z", env.Timestamp)
	require.Eventually(t, func() bool { return f.relay.Count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestServer_BroadcastIncludesSender(t *testing.T) {
	f := setupTestFixture(t, relay.Options{}, relay.Dependencies{})

	c1 := f.connect(t, "1")
	c2 := f.connect(t, "2")
	require.Eventually(t, func() bool { return f.relay.Count() == 2 }, time.Second, 10*time.Millisecond)

	write(t, c1, `{"kind":"chat","text":"solar output is up"}`)

	for _, conn := range []*websocket.Conn{c1, c2} {
		env := readEnvelope(t, conn)
		assert.Equal(t, relay.KindBroadcast, env.Type)
		assert.JSONEq(t, `{"kind":"chat","text":"solar output is up"}`, string(env.Data))
		assert.Equal(t, "2030-01-02T03:04:05.006Z", env.Timestamp)
	}
}

func TestServer_UserIDIsNotRequiredOrUnique(t *testing.T) {
	f := setupTestFixture(t, relay.Options{}, relay.Dependencies{})

	anonymous := f.connect(t, "")
	twinA := f.connect(t, "42")
	twinB := f.connect(t, "42")
	require.Eventually(t, func() bool { return f.relay.Count() == 3 }, time.Second, 10*time.Millisecond)

	write(t, anonymous, `"hello"`)
	for _, conn := range []*websocket.Conn{anonymous, twinA, twinB} {
		env := readEnvelope(t, conn)
		assert.Equal(t, `"hello"`, string(env.Data))
	}
}

func TestServer_NoReplayForLateJoiners(t *testing.T) {
	f := setupTestFixture(t, relay.Options{}, relay.Dependencies{})

	early := f.connect(t, "early")
	require.Eventually(t, func() bool { return f.relay.Count() == 1 }, time.Second, 10*time.Millisecond)

	write(t, early, `{"seq":1}`)
	assert.JSONEq(t, `{"seq":1}`, string(readEnvelope(t, early).Data))

	late := f.connect(t, "late")
	require.Eventually(t, func() bool { return f.relay.Count() == 2 }, time.Second, 10*time.Millisecond)

	write(t, early, `{"seq":2}`)

	// The first envelope after the late joiner's welcome must be seq 2.
	env := readEnvelope(t, late)
	assert.Equal(t, relay.KindBroadcast, env.Type)
	assert.JSONEq(t, `{"seq":2}`, string(env.Data))
}

func TestServer_MalformedPayloadIsDropped(t *testing.T) {
	f := setupTestFixture(t, relay.Options{}, relay.Dependencies{})

	sender := f.connect(t, "sender")
	observer := f.connect(t, "observer")
	require.Eventually(t, func() bool { return f.relay.Count() == 2 }, time.Second, 10*time.Millisecond)

	write(t, sender, `{invalid json`)
	write(t, sender, `{"valid":true}`)

	// Neither side saw anything for the malformed frame, and the sender's
	// connection is still open because its next message was relayed.
	for _, conn := range []*websocket.Conn{sender, observer} {
		env := readEnvelope(t, conn)
		assert.Equal(t, relay.KindBroadcast, env.Type)
		assert.JSONEq(t, `{"valid":true}`, string(env.Data))
	}
	assert.Equal(t, 2, f.relay.Count())
}

func TestServer_LargePayloadIsRelayed(t *testing.T) {
	f := setupTestFixture(t, relay.Options{}, relay.Dependencies{})

	sender := f.connect(t, "sender")
	observer := f.connect(t, "observer")
	require.Eventually(t, func() bool { return f.relay.Count() == 2 }, time.Second, 10*time.Millisecond)

	payload := `{"text":"` + strings.Repeat("a", 40<<10) + `"}`
	write(t, sender, payload)

	for _, conn := range []*websocket.Conn{sender, observer} {
		env := readEnvelope(t, conn)
		assert.Equal(t, relay.KindBroadcast, env.Type)
		assert.Equal(t, payload, string(env.Data))
	}
	assert.Equal(t, 2, f.relay.Count())
}

func TestServer_FrameOverReadLimitClosesSender(t *testing.T) {
	f := setupTestFixture(t, relay.Options{ReadLimit: 1024}, relay.Dependencies{})

	sender := f.connect(t, "sender")
	observer := f.connect(t, "observer")
	require.Eventually(t, func() bool { return f.relay.Count() == 2 }, time.Second, 10*time.Millisecond)

	write(t, sender, `{"text":"`+strings.Repeat("a", 2048)+`"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := sender.Read(ctx)
	assert.Equal(t, websocket.StatusMessageTooBig, websocket.CloseStatus(err))
	require.Eventually(t, func() bool { return f.relay.Count() == 1 }, time.Second, 10*time.Millisecond)

	write(t, observer, `{"still":"relaying"}`)
	assert.JSONEq(t, `{"still":"relaying"}`, string(readEnvelope(t, observer).Data))
}

func TestServer_InvalidUTF8IsReplaced(t *testing.T) {
	f := setupTestFixture(t, relay.Options{}, relay.Dependencies{})

	sender := f.connect(t, "sender")
	observer := f.connect(t, "observer")
	require.Eventually(t, func() bool { return f.relay.Count() == 2 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sender.Write(ctx, websocket.MessageBinary, []byte("{\"text\":\"caf\xe9\"}")))

	for _, conn := range []*websocket.Conn{sender, observer} {
		rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
		typ, raw, err := conn.Read(rctx)
		rcancel()
		require.NoError(t, err)
		assert.Equal(t, websocket.MessageText, typ)
		assert.True(t, utf8.Valid(raw), "relayed frame must be valid UTF-8")

		env, err := relay.Decode(raw)
		require.NoError(t, err)
		assert.JSONEq(t, "{\"text\":\"caf\uFFFD\"}", string(env.Data))
	}
	assert.Equal(t, 2, f.relay.Count())
}

func TestServer_DisconnectShrinksFanOut(t *testing.T) {
	f := setupTestFixture(t, relay.Options{}, relay.Dependencies{})

	c1 := f.connect(t, "1")
	c2 := f.connect(t, "2")
	c3 := f.connect(t, "3")
	require.Eventually(t, func() bool { return f.relay.Count() == 3 }, time.Second, 10*time.Millisecond)

	c3.Close(websocket.StatusNormalClosure, "leaving")
	require.Eventually(t, func() bool { return f.relay.Count() == 2 }, time.Second, 10*time.Millisecond)

	write(t, c1, `{"from":"1"}`)
	for _, conn := range []*websocket.Conn{c1, c2} {
		assert.JSONEq(t, `{"from":"1"}`, string(readEnvelope(t, conn).Data))
	}

	n, err := f.relay.BroadcastToAll(context.Background(), map[string]string{"notice": "grid maintenance"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestServer_BroadcastToAll(t *testing.T) {
	f := setupTestFixture(t, relay.Options{}, relay.Dependencies{})

	n, err := f.relay.BroadcastToAll(context.Background(), json.RawMessage(`{"empty":true}`))
	require.NoError(t, err)
	assert.Zero(t, n)

	c1 := f.connect(t, "1")
	c2 := f.connect(t, "2")
	require.Eventually(t, func() bool { return f.relay.Count() == 2 }, time.Second, 10*time.Millisecond)

	n, err = f.relay.BroadcastToAll(context.Background(), json.RawMessage(`{"notice":"vote closes at 18:00"}`))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, conn := range []*websocket.Conn{c1, c2} {
		env := readEnvelope(t, conn)
		assert.Equal(t, relay.KindSystem, env.Type)
		assert.JSONEq(t, `{"notice":"vote closes at 18:00"}`, string(env.Data))
	}

	_, err = f.relay.BroadcastToAll(context.Background(), []byte(`not json`))
	assert.ErrorIs(t, err, relay.ErrMalformedPayload)
}

func TestServer_SystemBroadcastFromBus(t *testing.T) {
	f := setupTestFixture(t, relay.Options{}, relay.Dependencies{})

	conn := f.connect(t, "1")
	require.Eventually(t, func() bool { return f.relay.Count() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, relay.PublishSystemBroadcast(context.Background(), f.bus, json.RawMessage(`{"alert":"storm"}`)))

	env := readEnvelope(t, conn)
	assert.Equal(t, relay.KindSystem, env.Type)
	assert.JSONEq(t, `{"alert":"storm"}`, string(env.Data))
}

func TestServer_PublishesLifecycleEvents(t *testing.T) {
	f := setupTestFixture(t, relay.Options{}, relay.Dependencies{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan relay.ClientEvent, 4)
	for _, event := range []pubsub.Event[relay.ClientEvent]{relay.ClientConnectedEvent, relay.ClientDisconnectedEvent} {
		event := event
		require.NoError(t, f.bus.Subscribe(ctx, event.Name(), func(ctx context.Context, msg pubsub.Message) error {
			payload, err := event.Decode(msg)
			if err != nil {
				return err
			}
			events <- payload
			return nil
		}))
	}

	conn := f.connect(t, "99")
	select {
	case ev := <-events:
		assert.Equal(t, "99", ev.UserID)
		assert.Equal(t, 1, ev.Active)
		assert.NotEmpty(t, ev.ConnectionID)
	case <-time.After(2 * time.Second):
		t.Fatal("no connected event")
	}

	conn.Close(websocket.StatusNormalClosure, "")
	select {
	case ev := <-events:
		assert.Equal(t, "99", ev.UserID)
		assert.Equal(t, 0, ev.Active)
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnected event")
	}
}

func TestServer_ShutdownReleasesConnections(t *testing.T) {
	f := setupTestFixture(t, relay.Options{}, relay.Dependencies{})

	conn := f.connect(t, "1")
	require.Eventually(t, func() bool { return f.relay.Count() == 1 }, time.Second, 10*time.Millisecond)

	f.cancel()
	<-f.relay.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
	assert.Zero(t, f.relay.Count())

	_, err = f.relay.BroadcastToAll(context.Background(), "late")
	assert.ErrorIs(t, err, relay.ErrServerClosed)
	assert.ErrorIs(t, f.relay.Run(context.Background()), relay.ErrAlreadyRunning)
}

func TestServer_AdmissionLimits(t *testing.T) {
	f := setupTestFixture(t, relay.Options{}, relay.Dependencies{
		Admitter: relay.Limits{MaxConnections: 1},
	})

	f.connect(t, "1")
	require.Eventually(t, func() bool { return f.relay.Count() == 1 }, time.Second, 10*time.Millisecond)

	_, resp, err := websocket.Dial(context.Background(), f.url("?userId=2"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_TokenAdmission(t *testing.T) {
	secret := []byte("community-secret")
	f := setupTestFixture(t, relay.Options{}, relay.Dependencies{
		Admitter: relay.TokenAdmitter{Secret: secret},
	})

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"userId": 5,
		"exp":    time.Now().Add(time.Hour).Unix(),
	}).SignedString(secret)
	require.NoError(t, err)

	f.connect(t, "5&token="+token)

	for _, query := range []string{"?userId=5", "?userId=6&token=" + token, "?userId=5&token=garbage"} {
		_, resp, err := websocket.Dial(context.Background(), f.url(query), nil)
		require.Error(t, err, query)
		require.NotNil(t, resp, query)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, query)
	}
}

func TestServer_OriginPatterns(t *testing.T) {
	f := setupTestFixture(t, relay.Options{OriginPatterns: []string{"community.example"}}, relay.Dependencies{})

	_, resp, err := websocket.Dial(context.Background(), f.url("?userId=1"), &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"http://elsewhere.example"}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.Dial(context.Background(), f.url("?userId=1"), &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"http://community.example"}},
	})
	require.NoError(t, err)
	defer conn.CloseNow()
	assert.Equal(t, relay.KindWelcome, readEnvelope(t, conn).Type)
}
