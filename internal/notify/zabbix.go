package notify

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/oszuidwest/zwfm-dbmeter/internal/util"
)

// Zabbix protocol constants.
const (
	zabbixTimeout    = 5 * time.Second
	zabbixHeaderSize = 13        // "ZBXD\x01" (5) + uint64 length (8)
	maxReplySize     = 64 * 1024 // 64KB max reply to prevent memory exhaustion
)

// zabbixMagic is the protocol header prefix.
var zabbixMagic = [5]byte{'Z', 'B', 'X', 'D', 0x01}

// Zabbix protocol types.
type zabbixRequest struct {
	Request string       `json:"request"`
	Data    []zabbixItem `json:"data"`
}

type zabbixItem struct {
	Host  string `json:"host"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

type zabbixResponse struct {
	Response string `json:"response"`
	Info     string `json:"info"`
}

// sendZabbixPayload sends a sender-protocol request and checks the reply.
func sendZabbixPayload(ctx context.Context, t ZabbixTarget, payload zabbixRequest) error {
	ctx, cancel := context.WithTimeout(ctx, zabbixTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(t.Server, strconv.Itoa(t.Port)))
	if err != nil {
		return util.WrapError("connect to zabbix", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return util.WrapError("set deadline", err)
		}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return util.WrapError("marshal zabbix payload", err)
	}

	// "ZBXD\x01" + 8-byte little endian length + body
	frame := make([]byte, zabbixHeaderSize, zabbixHeaderSize+len(data))
	copy(frame, zabbixMagic[:])
	binary.LittleEndian.PutUint64(frame[5:], uint64(len(data)))
	frame = append(frame, data...)
	if _, err := conn.Write(frame); err != nil {
		return util.WrapError("write zabbix request", err)
	}

	reply, err := readZabbixReply(conn)
	if err != nil {
		return err
	}

	var resp zabbixResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		return util.WrapError("parse zabbix reply", err)
	}
	if resp.Response == "failed" {
		return fmt.Errorf("zabbix rejected data: %s", resp.Info)
	}
	// Host or key unknown to the server
	if strings.Contains(resp.Info, "processed: 0;") {
		return fmt.Errorf("zabbix processed no items (check host/key config): %s", resp.Info)
	}
	return nil
}

// readZabbixReply reads one framed reply body.
func readZabbixReply(r io.Reader) ([]byte, error) {
	header := make([]byte, zabbixHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, util.WrapError("read zabbix reply header", err)
	}
	if !bytes.Equal(header[:5], zabbixMagic[:]) {
		return nil, fmt.Errorf("invalid zabbix reply header")
	}

	size := binary.LittleEndian.Uint64(header[5:])
	switch {
	case size == 0:
		return nil, fmt.Errorf("empty zabbix reply")
	case size > maxReplySize:
		return nil, fmt.Errorf("zabbix reply too large: %d bytes (max %d)", size, maxReplySize)
	}

	reply := make([]byte, size)
	if _, err := io.ReadFull(r, reply); err != nil {
		return nil, util.WrapError("read zabbix reply body", err)
	}
	return reply, nil
}

// ZabbixTarget addresses a trapper item.
type ZabbixTarget struct {
	Server string
	Port   int
	Host   string
	Key    string
}

// IsConfigured reports whether server, host and key are set.
func (t ZabbixTarget) IsConfigured() bool {
	return t.Server != "" && t.Host != "" && t.Key != ""
}

// sendZabbixEvent sends an event to Zabbix with the given value string.
func sendZabbixEvent(ctx context.Context, t ZabbixTarget, value string) error {
	if !t.IsConfigured() {
		return nil
	}
	req := zabbixRequest{
		Request: "sender data",
		Data:    []zabbixItem{{Host: t.Host, Key: t.Key, Value: value}},
	}
	return sendZabbixPayload(ctx, t, req)
}

// SendCaptureLostZabbix sends a capture lost alert to Zabbix.
func SendCaptureLostZabbix(ctx context.Context, t ZabbixTarget, a Alert) error {
	return sendZabbixEvent(ctx, t, fmt.Sprintf("event=CAPTURE_LOST session=%s retries=%d error=%q", a.SessionID, a.RetryCount, a.Error))
}

// SendCaptureRestoredZabbix sends a recovery message to Zabbix.
func SendCaptureRestoredZabbix(ctx context.Context, t ZabbixTarget, a Alert) error {
	return sendZabbixEvent(ctx, t, "event=CAPTURE_RESTORED session="+a.SessionID)
}

// SendTestZabbix sends a test message to verify the Zabbix configuration.
func SendTestZabbix(ctx context.Context, t ZabbixTarget) error {
	if !t.IsConfigured() {
		return fmt.Errorf("zabbix server, host and key are required")
	}
	return sendZabbixEvent(ctx, t, "event=TEST source=zwfm-dbmeter")
}
