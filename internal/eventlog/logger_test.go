package eventlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeEvents(t *testing.T, types ...EventType) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logs", "dbmeter.jsonl")
	l, err := NewLogger(path)
	require.NoError(t, err)
	for i, typ := range types {
		require.NoError(t, l.Log(&Event{Type: typ, Message: string(rune('a' + i))}))
	}
	require.NoError(t, l.Close())
	return path
}

func TestReadLastNewestFirst(t *testing.T) {
	path := writeEvents(t, MeterStarted, ExportCompleted, MeterStopped)

	events, more, err := ReadLast(path, 10, 0, FilterAll)
	require.NoError(t, err)
	require.False(t, more)
	require.Len(t, events, 3)
	require.Equal(t, MeterStopped, events[0].Type)
	require.Equal(t, MeterStarted, events[2].Type)
	require.False(t, events[0].Timestamp.IsZero())
}

func TestReadLastFilterAndPaging(t *testing.T) {
	path := writeEvents(t, MeterStarted, ExportCompleted, MeterError, MeterRetry, ExportFailed, MeterStarted)

	events, more, err := ReadLast(path, 2, 0, FilterMeter)
	require.NoError(t, err)
	require.True(t, more)
	require.Equal(t, []EventType{MeterStarted, MeterRetry}, []EventType{events[0].Type, events[1].Type})

	events, more, err = ReadLast(path, 2, 2, FilterMeter)
	require.NoError(t, err)
	require.False(t, more)
	require.Equal(t, []EventType{MeterError, MeterStarted}, []EventType{events[0].Type, events[1].Type})

	events, _, err = ReadLast(path, 10, 0, FilterExport)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, ExportFailed, events[0].Type)
}

func TestReadLastSkipsMalformedLines(t *testing.T) {
	path := writeEvents(t, MeterStarted)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, _, err := ReadLast(path, 10, 0, FilterAll)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestReadLastMissingFile(t *testing.T) {
	events, more, err := ReadLast(filepath.Join(t.TempDir(), "none.jsonl"), 10, 0, FilterAll)
	require.NoError(t, err)
	require.False(t, more)
	require.Empty(t, events)

	events, _, err = ReadLast("ignored", 0, 0, FilterAll)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestNilLogger(t *testing.T) {
	var l *Logger
	require.NoError(t, l.Log(&Event{Type: MeterStarted}))
	require.NoError(t, l.Close())
	require.Empty(t, l.Path())
}
