package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"aplex/internal/domain"
	"aplex/internal/speech"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 50 * time.Second
	maxFrameSize   = 4 << 20 // attachments ride inline as base64
	sendBufferSize = 64
)

// Web implements domain.Channel over a WebSocket endpoint. Every
// connected client receives UI events as JSON frames; client frames are
// translated into bus actions.
type Web struct {
	host   string
	port   int
	logger *slog.Logger
	bus    domain.Bus
	stop   func()

	// Sessions answers the client's initial state request.
	sessions func() []domain.Session

	// Recognizer accumulates voice capture segments; optional.
	recognizer *speech.Recognizer

	server   *http.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// clientFrame is one inbound WebSocket message. Audio frames carry a
// captured segment as base64; audio_start and audio_stop bracket a
// capture session.
type clientFrame struct {
	Type      string                `json:"type"` // send | stop | new_chat | new_group | select_session | delete_session | clear_all | sessions | audio_start | audio | audio_stop
	SessionID string                `json:"sessionId,omitempty"`
	Text      string                `json:"text,omitempty"`
	Voice     bool                  `json:"voice,omitempty"`
	Group     *domain.GroupMetadata `json:"group,omitempty"`
	Atts      []domain.Attachment   `json:"attachments,omitempty"`
	Audio     []byte                `json:"audio,omitempty"`
	Filename  string                `json:"filename,omitempty"`
}

// serverFrame is one outbound WebSocket message.
type serverFrame struct {
	Type      string           `json:"type"`
	SessionID string           `json:"sessionId,omitempty"`
	Content   string           `json:"content,omitempty"`
	IsError   bool             `json:"isError,omitempty"`
	Sessions  []domain.Session `json:"sessions,omitempty"`
}

type WebChannelConfig struct {
	Host       string
	Port       int
	Logger     *slog.Logger
	Stop       func()
	Sessions   func() []domain.Session
	Recognizer *speech.Recognizer
}

func NewWeb(cfg WebChannelConfig) *Web {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Web{
		host:       cfg.Host,
		port:       cfg.Port,
		logger:     cfg.Logger,
		stop:       cfg.Stop,
		sessions:   cfg.Sessions,
		recognizer: cfg.Recognizer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		clients: make(map[*client]struct{}),
	}
}

func (w *Web) Name() string { return "web" }

// Start serves the WebSocket endpoint until ctx is cancelled.
func (w *Web) Start(ctx context.Context, bus domain.Bus) error {
	w.bus = bus

	bus.OnEvent("web", w.broadcast)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", w.handleWS)
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})

	w.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", w.host, w.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		w.logger.Info("web channel listening", "addr", w.server.Addr)
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.server.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (w *Web) Stop() error {
	if w.server == nil {
		return nil
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.server.Shutdown(shutCtx)
}

func (w *Web) handleWS(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBufferSize)}
	w.mu.Lock()
	w.clients[c] = struct{}{}
	w.mu.Unlock()

	go w.writeLoop(c)
	w.readLoop(c)
}

func (w *Web) readLoop(c *client) {
	defer w.drop(c)

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.logger.Warn("websocket read failed", "err", err)
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			w.logger.Warn("bad client frame", "err", err)
			continue
		}
		w.dispatch(c, frame)
	}
}

// dispatch routes one client frame. Stop bypasses the action queue so
// it takes effect mid-turn.
func (w *Web) dispatch(c *client, frame clientFrame) {
	switch frame.Type {
	case "stop":
		if w.stop != nil {
			w.stop()
		}
	case "sessions":
		if w.sessions != nil {
			w.push(c, serverFrame{Type: "sessions", Sessions: w.sessions()})
		}
	case "send":
		w.bus.Publish(domain.UserAction{
			Type:        domain.ActionSend,
			Channel:     "web",
			SessionID:   frame.SessionID,
			Text:        frame.Text,
			Voice:       frame.Voice,
			Attachments: frame.Atts,
		})
	case "new_chat":
		w.bus.Publish(domain.UserAction{Type: domain.ActionNewChat, Channel: "web"})
	case "new_group":
		w.bus.Publish(domain.UserAction{Type: domain.ActionNewGroup, Channel: "web", Group: frame.Group})
	case "select_session":
		w.bus.Publish(domain.UserAction{Type: domain.ActionSelectSession, Channel: "web", SessionID: frame.SessionID})
	case "delete_session":
		w.bus.Publish(domain.UserAction{Type: domain.ActionDeleteSession, Channel: "web", SessionID: frame.SessionID})
	case "clear_all":
		w.bus.Publish(domain.UserAction{Type: domain.ActionClearAll, Channel: "web"})
	case "audio_start":
		if w.recognizer != nil {
			w.recognizer.Start()
		}
	case "audio":
		if w.recognizer != nil && len(frame.Audio) > 0 {
			name := frame.Filename
			if name == "" {
				name = "segment.webm"
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := w.recognizer.Push(ctx, bytes.NewReader(frame.Audio), name)
			cancel()
			if err != nil {
				w.logger.Warn("transcription failed", "err", err)
			}
		}
	case "audio_stop":
		if w.recognizer != nil {
			w.recognizer.Stop()
		}
	default:
		w.logger.Warn("unknown client frame", "type", frame.Type)
	}
}

// broadcast fans a UI event out to every connected client.
func (w *Web) broadcast(evt domain.UIEvent) {
	frame := serverFrame{
		Type:      string(evt.Type),
		SessionID: evt.SessionID,
		Content:   evt.Content,
		IsError:   evt.IsError,
	}
	if evt.Type == domain.UISessionsChanged && w.sessions != nil {
		frame.Sessions = w.sessions()
	}

	data, err := json.Marshal(frame)
	if err != nil {
		w.logger.Warn("marshal event", "err", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for c := range w.clients {
		select {
		case c.send <- data:
		default:
			// Slow client; drop the frame rather than stall the turn.
		}
	}
}

func (w *Web) push(c *client, frame serverFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (w *Web) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (w *Web) drop(c *client) {
	w.mu.Lock()
	if _, ok := w.clients[c]; ok {
		delete(w.clients, c)
		close(c.send)
	}
	w.mu.Unlock()
	_ = c.conn.Close()
}
