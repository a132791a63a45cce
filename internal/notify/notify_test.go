package notify

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-dbmeter/internal/config"
	"github.com/oszuidwest/zwfm-dbmeter/internal/eventlog"
)

// webhookRecorder collects webhook payloads.
type webhookRecorder struct {
	mu       sync.Mutex
	payloads []WebhookPayload
}

func (r *webhookRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var p WebhookPayload
	if err := json.NewDecoder(req.Body).Decode(&p); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	r.mu.Lock()
	r.payloads = append(r.payloads, p)
	r.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (r *webhookRecorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.payloads))
	for _, p := range r.payloads {
		out = append(out, p.Event)
	}
	return out
}

func newWebhookConfig(t *testing.T, url string) *config.Config {
	t.Helper()
	cfg := config.New(filepath.Join(t.TempDir(), "config.json"))
	cfg.Alerts.StationName = "Studio 1"
	cfg.Alerts.WebhookURL = url
	return cfg
}

func gaveUp(session string) *eventlog.Event {
	return &eventlog.Event{
		Type:      eventlog.MeterGaveUp,
		SessionID: session,
		Details:   &eventlog.MeterDetails{Error: "device unplugged", RetryCount: 10, MaxRetries: 10},
	}
}

func TestNotifierCaptureLostAndRestored(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	n := NewCaptureNotifier(newWebhookConfig(t, srv.URL))

	// A start without a prior loss sends nothing.
	n.HandleEvent(&eventlog.Event{Type: eventlog.MeterStarted, SessionID: "s0"})
	n.Wait()
	require.Empty(t, rec.events())

	n.HandleEvent(gaveUp("s1"))
	n.HandleEvent(gaveUp("s1"))
	n.Wait()
	require.Equal(t, []string{"capture_lost"}, rec.events())

	rec.mu.Lock()
	lost := rec.payloads[0]
	rec.mu.Unlock()
	require.Equal(t, "Studio 1", lost.Station)
	require.Equal(t, "s1", lost.SessionID)
	require.Equal(t, "device unplugged", lost.Error)
	require.Equal(t, 10, lost.RetryCount)

	n.HandleEvent(&eventlog.Event{Type: eventlog.MeterStarted, SessionID: "s2"})
	n.Wait()
	require.Equal(t, []string{"capture_lost", "capture_restored"}, rec.events())
}

func TestNotifierIgnoresUnconfiguredChannels(t *testing.T) {
	n := NewCaptureNotifier(newWebhookConfig(t, ""))
	n.HandleEvent(gaveUp("s1"))
	n.Wait()

	n.mu.Lock()
	defer n.mu.Unlock()
	require.False(t, n.webhookSent)
	require.False(t, n.emailSent)
	require.False(t, n.zabbixSent)
}

func TestSendTestWebhook(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	n := NewCaptureNotifier(newWebhookConfig(t, srv.URL))
	require.NoError(t, n.SendTest(context.Background(), ChannelWebhook))
	require.Equal(t, []string{"test"}, rec.events())

	require.Error(t, n.SendTest(context.Background(), "pager"))
	require.Error(t, NewCaptureNotifier(newWebhookConfig(t, "")).SendTest(context.Background(), ChannelWebhook))
}

func TestWebhookStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := SendCaptureLostWebhook(context.Background(), srv.URL, Alert{})
	require.ErrorContains(t, err, "status 500")
}

// fakeZabbix accepts one sender request and replies with info.
func fakeZabbix(t *testing.T, info string) (ZabbixTarget, <-chan zabbixRequest) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	got := make(chan zabbixRequest, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		body, err := readZabbixReply(conn)
		if err != nil {
			return
		}
		var req zabbixRequest
		if json.Unmarshal(body, &req) == nil {
			got <- req
		}

		reply, _ := json.Marshal(zabbixResponse{Response: "success", Info: info})
		header := make([]byte, zabbixHeaderSize)
		copy(header, zabbixMagic[:])
		binary.LittleEndian.PutUint64(header[5:], uint64(len(reply)))
		_, _ = conn.Write(append(header, reply...))
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return ZabbixTarget{Server: host, Port: p, Host: "studio-1", Key: "dbmeter.capture"}, got
}

func TestZabbixCaptureLost(t *testing.T) {
	target, got := fakeZabbix(t, "processed: 1; failed: 0; total: 1; seconds spent: 0.000055")

	err := SendCaptureLostZabbix(context.Background(), target, Alert{SessionID: "s1", RetryCount: 10, Error: "gone"})
	require.NoError(t, err)

	select {
	case req := <-got:
		require.Equal(t, "sender data", req.Request)
		require.Len(t, req.Data, 1)
		require.Equal(t, "studio-1", req.Data[0].Host)
		require.Equal(t, "dbmeter.capture", req.Data[0].Key)
		require.Equal(t, `event=CAPTURE_LOST session=s1 retries=10 error="gone"`, req.Data[0].Value)
	case <-time.After(2 * time.Second):
		t.Fatal("no request received")
	}
}

func TestZabbixNothingProcessed(t *testing.T) {
	target, _ := fakeZabbix(t, "processed: 0; failed: 1; total: 1; seconds spent: 0.000055")
	err := SendTestZabbix(context.Background(), target)
	require.ErrorContains(t, err, "processed no items")
}

func TestZabbixUnconfigured(t *testing.T) {
	require.NoError(t, SendCaptureLostZabbix(context.Background(), ZabbixTarget{}, Alert{}))
	require.Error(t, SendTestZabbix(context.Background(), ZabbixTarget{}))
}

func TestGraphSendMail(t *testing.T) {
	var (
		mu   sync.Mutex
		reqs []graphMailRequest
		path string
	)
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		path = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		var req graphMailRequest
		_ = json.Unmarshal(body, &req)
		reqs = append(reqs, req)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := &GraphClient{
		fromAddress: "meter@example.com",
		baseURL:     srv.URL,
		httpClient:  srv.Client(),
		retryWait:   time.Millisecond,
	}

	err := client.SendMail(context.Background(), []string{" ops@example.com", "", "eng@example.com"}, "subject", "body")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, calls)
	require.Equal(t, "/users/meter@example.com/sendMail", path)
	require.Len(t, reqs, 1)
	require.Equal(t, "subject", reqs[0].Message.Subject)
	require.Len(t, reqs[0].Message.ToRecipients, 2)
	require.Equal(t, "ops@example.com", reqs[0].Message.ToRecipients[0].EmailAddress.Address)
}

func TestGraphSendMailPermanentError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := &GraphClient{fromAddress: "meter@example.com", baseURL: srv.URL, httpClient: srv.Client(), retryWait: time.Millisecond}
	err := client.SendMail(context.Background(), []string{"ops@example.com"}, "s", "b")
	require.ErrorContains(t, err, "graph API error 400")

	require.Error(t, client.SendMail(context.Background(), nil, "s", "b"))
}

func TestValidateGraphConfig(t *testing.T) {
	valid := &GraphConfig{
		TenantID:     "12345678-1234-1234-1234-123456789abc",
		ClientID:     "87654321-4321-4321-4321-cba987654321",
		ClientSecret: "secret",
		FromAddress:  "meter@example.com",
		Recipients:   "ops@example.com",
	}
	require.NoError(t, ValidateConfig(valid))
	require.True(t, IsConfigured(valid))

	bad := *valid
	bad.TenantID = "contoso"
	require.ErrorContains(t, ValidateConfig(&bad), "tenant ID must be a valid GUID")

	bad = *valid
	bad.Recipients = ""
	require.Error(t, ValidateConfig(&bad))
	require.False(t, IsConfigured(&bad))

	client, err := NewGraphClient(valid)
	require.NoError(t, err)
	require.NotNil(t, client.httpClient)

	_, err = NewGraphClient(&GraphConfig{TenantID: "t", ClientID: "c", ClientSecret: "s"})
	require.ErrorContains(t, err, "from address")
}

func TestParseRecipients(t *testing.T) {
	require.Equal(t, []string{"a@example.com", "b@example.com"}, ParseRecipients(" a@example.com, ,b@example.com "))
	require.Empty(t, ParseRecipients(""))
}
