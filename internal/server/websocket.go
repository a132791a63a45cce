package server

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn is the interface for WebSocket connection operations.
type WebSocketConn interface {
	io.Closer
	WriteJSON(v any) error
	ReadJSON(v any) error
}

var upgrader = websocket.Upgrader{
	CheckOrigin: checkOrigin,
}

// checkOrigin reports whether the WebSocket connection origin is allowed.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	// Same-origin requests omit the Origin header
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		slog.Warn("rejected WebSocket connection: invalid origin URL", "origin", origin)
		return false
	}

	host := u.Hostname()
	if host == "localhost" {
		return true
	}

	requestHost := r.Host
	if h, _, err := net.SplitHostPort(requestHost); err == nil {
		requestHost = h
	}
	if host == requestHost {
		return true
	}

	// Loopback and private networks
	ip := net.ParseIP(host)
	if ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		return true
	}

	slog.Warn("rejected WebSocket connection", "origin", origin, "host", host)
	return false
}

// UpgradeConnection upgrades an HTTP connection to WebSocket.
func UpgradeConnection(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return upgrader.Upgrade(w, r, nil)
}

// Feed builds the messages pushed to every WebSocket client.
type Feed interface {
	LevelsMessage() any
	HistoryMessage() any
	StatusMessage() any
}

// FeedIntervals sets how often each message kind is pushed.
type FeedIntervals struct {
	Levels  time.Duration
	History time.Duration
	Status  time.Duration
}

// DefaultFeedIntervals pushes levels at 20 fps, history every second and status every 3 s.
func DefaultFeedIntervals() FeedIntervals {
	return FeedIntervals{
		Levels:  50 * time.Millisecond,
		History: 1000 * time.Millisecond,
		Status:  3000 * time.Millisecond,
	}
}

// ServeClient runs a WebSocket client until the connection closes.
// Only one goroutine writes to conn.
func ServeClient(conn WebSocketConn, feed Feed, commands *CommandHandler, intervals FeedIntervals) {
	send := make(chan any, 16)
	done := make(chan struct{})
	statusUpdate := make(chan struct{}, 1)
	writerDone := make(chan struct{})

	go runWriter(conn, send, done, writerDone)
	go runReader(conn, commands, send, done, statusUpdate)

	runEventLoop(feed, intervals, send, done, statusUpdate)
	<-writerDone
}

// runWriter writes messages from send until done is closed or a write fails.
// send is never closed because async command handlers may still reply.
func runWriter(conn WebSocketConn, send <-chan any, done <-chan struct{}, writerDone chan<- struct{}) {
	defer close(writerDone)
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("WebSocket close error", "error", err)
		}
	}()
	for {
		select {
		case <-done:
			return
		case msg := <-send:
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

// runReader reads commands from the connection and dispatches them.
// A read error, including the close caused by a failed write, ends the client.
func runReader(conn WebSocketConn, commands *CommandHandler, send chan<- any, done chan<- struct{}, statusUpdate chan<- struct{}) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in WebSocket reader", "panic", r)
		}
		close(done)
	}()

	for {
		var cmd WSCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		commands.Handle(cmd, send, func() {
			select {
			case statusUpdate <- struct{}{}:
			default:
			}
		})
	}
}

// runEventLoop pushes periodic updates until done is closed.
func runEventLoop(feed Feed, intervals FeedIntervals, send chan<- any, done, statusUpdate <-chan struct{}) {
	levelsTicker := time.NewTicker(intervals.Levels)
	historyTicker := time.NewTicker(intervals.History)
	statusTicker := time.NewTicker(intervals.Status)
	defer levelsTicker.Stop()
	defer historyTicker.Stop()
	defer statusTicker.Stop()

	// push reports false once done is closed
	push := func(msg any) bool {
		select {
		case send <- msg:
			return true
		case <-done:
			return false
		}
	}

	if !push(feed.StatusMessage()) || !push(feed.HistoryMessage()) {
		return
	}

	for {
		var ok bool
		select {
		case <-done:
			return
		case <-statusUpdate:
			ok = push(feed.StatusMessage())
		case <-levelsTicker.C:
			ok = push(feed.LevelsMessage())
		case <-historyTicker.C:
			ok = push(feed.HistoryMessage())
		case <-statusTicker.C:
			ok = push(feed.StatusMessage())
		}
		if !ok {
			return
		}
	}
}
