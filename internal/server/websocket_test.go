package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeConn feeds commands from in and records written messages on out.
type fakeConn struct {
	in        chan WSCommand
	out       chan any
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan WSCommand),
		out:    make(chan any, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadJSON(v any) error {
	select {
	case cmd, ok := <-c.in:
		if !ok {
			return io.EOF
		}
		data, err := json.Marshal(cmd)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, v)
	case <-c.closed:
		return io.EOF
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case c.out <- v:
	default:
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type stubFeed struct{}

func (stubFeed) LevelsMessage() any  { return map[string]string{"type": "levels"} }
func (stubFeed) HistoryMessage() any { return map[string]string{"type": "history"} }
func (stubFeed) StatusMessage() any  { return map[string]string{"type": "status"} }

func messageType(msg any) string {
	switch m := msg.(type) {
	case map[string]string:
		return m["type"]
	case map[string]any:
		s, _ := m["type"].(string)
		return s
	default:
		data, _ := json.Marshal(msg)
		var out struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(data, &out)
		return out.Type
	}
}

func TestServeClient(t *testing.T) {
	h, _, _ := newTestHandler(t, &fakeMeter{}, &fakeExporter{})
	conn := newFakeConn()
	intervals := FeedIntervals{
		Levels:  5 * time.Millisecond,
		History: 20 * time.Millisecond,
		Status:  time.Hour,
	}

	finished := make(chan struct{})
	go func() {
		ServeClient(conn, stubFeed{}, h, intervals)
		close(finished)
	}()

	next := func() string {
		select {
		case msg := <-conn.out:
			return messageType(msg)
		case <-time.After(2 * time.Second):
			t.Fatal("no message written")
			return ""
		}
	}

	// Status and history are sent right after connecting.
	require.Equal(t, "status", next())
	require.Equal(t, "history", next())

	conn.in <- WSCommand{Type: "meter/reset"}

	seen := map[string]bool{}
	require.Eventually(t, func() bool {
		for {
			select {
			case msg := <-conn.out:
				seen[messageType(msg)] = true
			default:
				return seen["levels"] && seen["meter/reset_result"] && seen["status"]
			}
		}
	}, 2*time.Second, 5*time.Millisecond)

	close(conn.in)
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("client loop did not exit")
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name   string
		host   string
		origin string
		want   bool
	}{
		{"no origin", "meter.local:8080", "", true},
		{"same host", "meter.local:8080", "http://meter.local:8080", true},
		{"localhost", "10.0.0.5:8080", "http://localhost:3000", true},
		{"private network", "meter.example.com", "http://192.168.1.20", true},
		{"loopback", "meter.example.com", "http://127.0.0.1:9000", true},
		{"foreign", "meter.local:8080", "https://evil.example.com", false},
		{"invalid", "meter.local:8080", "://bad", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			require.Equal(t, tt.want, checkOrigin(r))
		})
	}
}
