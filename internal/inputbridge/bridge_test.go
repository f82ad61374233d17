package inputbridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gameon/recorder/internal/capture"
	"github.com/gameon/recorder/internal/models"
)

func newServer(t *testing.T) (*Bridge, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	b := New(nil)
	r := gin.New()
	r.GET("/ws/input", ServeWs(b, func(token string) (string, error) {
		if token != "good" {
			return "", errors.New("bad token")
		}
		return "rig-1", nil
	}))
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		b.Close()
		srv.Close()
	})
	return b, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/input"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url+"?token=good", nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readStatus(t *testing.T, conn *websocket.Conn) Status {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Event != eventStatus {
			continue
		}
		var s Status
		require.NoError(t, json.Unmarshal(msg.Data, &s))
		return s
	}
}

func send(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Message{Event: event, Data: data}))
}

func TestServeWs_RejectsBadToken(t *testing.T) {
	_, url := newServer(t)
	_, resp, err := websocket.DefaultDialer.Dial(url+"?token=nope", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	_, resp, err = websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestBridge_DeliversToActiveListener(t *testing.T) {
	b, url := newServer(t)
	conn := dial(t, url)
	assert.False(t, readStatus(t, conn).Listening)
	require.Eventually(t, func() bool { return b.Agents() == 1 }, time.Second, 10*time.Millisecond)

	l, err := b.OpenInput(context.Background(), models.InputTypeKeyboard)
	require.NoError(t, err)
	got := make(chan capture.RawInput, 8)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Listen(ctx, func(raw capture.RawInput) { got <- raw }) }()

	s := readStatus(t, conn)
	assert.True(t, s.Listening)
	assert.Equal(t, models.InputTypeKeyboard, s.InputType)

	x, y := 12.5, 40.0
	send(t, conn, eventInput, capture.RawInput{Device: models.DeviceKeyboard, Key: "w", Action: models.ActionPress})
	send(t, conn, eventInputs, []capture.RawInput{
		{Device: models.DeviceXbox, Key: "A", Action: models.ActionPress}, // not this session's device
		{Device: models.DeviceMouse, Key: "move", Action: models.ActionMove, X: &x, Y: &y},
	})

	first := <-got
	assert.Equal(t, "w", first.Key)
	second := <-got
	assert.Equal(t, models.DeviceMouse, second.Device)
	require.NotNil(t, second.X)
	assert.Equal(t, 12.5, *second.X)
	select {
	case extra := <-got:
		t.Fatalf("unexpected delivery %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.False(t, readStatus(t, conn).Listening)
}

func TestBridge_ReportsBadMessages(t *testing.T) {
	_, url := newServer(t)
	conn := dial(t, url)
	readStatus(t, conn)

	send(t, conn, eventInput, map[string]string{"device": "joystick", "key": "x", "action": "press"})
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, eventError, msg.Event)
	assert.Contains(t, string(msg.Data), "joystick")

	require.NoError(t, conn.WriteJSON(Message{Event: "dance"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, eventError, msg.Event)
}

func TestBridge_CloseEndsListen(t *testing.T) {
	b := New(nil)
	l, err := b.OpenInput(context.Background(), models.InputTypeXbox)
	require.NoError(t, err)
	errCh := make(chan error, 1)
	go func() { errCh <- l.Listen(context.Background(), func(capture.RawInput) {}) }()
	require.Eventually(t, func() bool { return b.status().Listening }, time.Second, 5*time.Millisecond)

	assert.True(t, b.dispatch(capture.RawInput{Device: models.DeviceXbox, Key: "A", Action: models.ActionPress}))
	assert.False(t, b.dispatch(capture.RawInput{Device: models.DeviceKeyboard, Key: "a", Action: models.ActionPress}))

	b.Close()
	assert.ErrorIs(t, <-errCh, ErrClosed)
	_, err = b.OpenInput(context.Background(), models.InputTypeXbox)
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, b.dispatch(capture.RawInput{Device: models.DeviceXbox, Key: "A", Action: models.ActionPress}))
}

func TestBridge_RelistenWhileDispatching(t *testing.T) {
	b := New(nil)
	defer b.Close()
	l, err := b.OpenInput(context.Background(), models.InputTypeKeyboard)
	require.NoError(t, err)

	var delivered atomic.Int64
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			b.dispatch(capture.RawInput{Device: models.DeviceKeyboard, Key: "w", Action: models.ActionPress})
		}
	}()

	// the collector retries Listen on the same listener after a failure
	for i := 0; i < 20; i++ {
		before := delivered.Load()
		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() { errCh <- l.Listen(ctx, func(capture.RawInput) { delivered.Add(1) }) }()
		require.Eventually(t, func() bool { return delivered.Load() > before }, time.Second, time.Millisecond)
		cancel()
		assert.ErrorIs(t, <-errCh, context.Canceled)
	}
	close(stop)
	wg.Wait()

	assert.Positive(t, delivered.Load())
	assert.False(t, b.dispatch(capture.RawInput{Device: models.DeviceKeyboard, Key: "w", Action: models.ActionPress}))
}
