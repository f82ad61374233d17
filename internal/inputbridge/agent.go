package inputbridge

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gameon/recorder/internal/capture"
	"github.com/gameon/recorder/internal/metrics"
	"github.com/gameon/recorder/internal/models"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
	maxMessage   = 1 << 16
)

// Message events.
const (
	eventInput  = "input"
	eventInputs = "inputs"
	eventStatus = "status"
	eventError  = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// agents are not browsers; the token is the gate
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is the WebSocket envelope in both directions.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// agent is one connected companion process.
type agent struct {
	id     string
	name   string
	bridge *Bridge
	conn   *websocket.Conn
	send   chan Message
	logger *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// TokenValidator checks an agent token and returns the agent's name.
type TokenValidator func(token string) (name string, err error)

// ServeWs upgrades an authenticated agent connection and pumps its messages.
// The token comes from the token query parameter or a Bearer header.
func ServeWs(b *Bridge, validate TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
				token = strings.TrimPrefix(h, "Bearer ")
			}
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "token required"})
			return
		}
		name, err := validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid token"})
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			b.logger.Warn("Websocket upgrade failed", zap.Error(err))
			return
		}

		a := &agent{
			id:     uuid.New().String(),
			name:   name,
			bridge: b,
			conn:   conn,
			send:   make(chan Message, 64),
			logger: b.logger,
			done:   make(chan struct{}),
		}
		b.register(a)
		go a.writePump()
		a.readPump()
	}
}

func (a *agent) push(event string, payload any) {
	select {
	case a.send <- Message{Event: event, Data: marshal(payload)}:
	case <-a.done:
	default:
		a.logger.Debug("Agent send buffer full", zap.String("agent_id", a.id), zap.String("event", event))
	}
}

func (a *agent) close() {
	a.closeOnce.Do(func() {
		close(a.done)
		_ = a.conn.Close()
	})
}

func (a *agent) readPump() {
	defer func() {
		a.bridge.unregister(a)
		a.close()
	}()

	a.conn.SetReadLimit(maxMessage)
	_ = a.conn.SetReadDeadline(time.Now().Add(pongWait))
	a.conn.SetPongHandler(func(string) error {
		return a.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := a.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				a.logger.Warn("Agent connection lost", zap.String("agent_id", a.id), zap.Error(err))
			}
			return
		}
		_ = a.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Event {
		case eventInput:
			var raw capture.RawInput
			if err := json.Unmarshal(msg.Data, &raw); err != nil {
				a.push(eventError, map[string]string{"error": "malformed input: " + err.Error()})
				continue
			}
			a.deliver(raw)
		case eventInputs:
			var raws []capture.RawInput
			if err := json.Unmarshal(msg.Data, &raws); err != nil {
				a.push(eventError, map[string]string{"error": "malformed inputs: " + err.Error()})
				continue
			}
			for _, raw := range raws {
				a.deliver(raw)
			}
		default:
			a.push(eventError, map[string]string{"error": "unknown event " + msg.Event})
		}
	}
}

// deliver validates one notification and passes it to the bridge.
func (a *agent) deliver(raw capture.RawInput) {
	if err := checkInput(raw); err != nil {
		metrics.InputEvents.WithLabelValues(string(raw.Device), "rejected").Inc()
		a.push(eventError, map[string]string{"error": err.Error()})
		return
	}
	if !a.bridge.dispatch(raw) {
		metrics.InputEvents.WithLabelValues(string(raw.Device), "ignored").Inc()
	}
}

func checkInput(raw capture.RawInput) error {
	switch raw.Device {
	case models.DeviceKeyboard, models.DeviceMouse, models.DeviceXbox, models.DevicePlayStation:
	default:
		return fmt.Errorf("unknown device %q", raw.Device)
	}
	switch raw.Action {
	case models.ActionPress, models.ActionRelease, models.ActionMove, models.ActionScroll:
	default:
		return fmt.Errorf("unknown action %q", raw.Action)
	}
	if raw.Key == "" {
		return fmt.Errorf("missing key")
	}
	return nil
}

func (a *agent) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		a.close()
	}()

	for {
		select {
		case <-a.done:
			_ = a.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "bridge closing"), time.Now().Add(writeWait))
			return
		case msg := <-a.send:
			_ = a.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := a.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = a.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := a.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
