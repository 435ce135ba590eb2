package logger

import (
	"encoding/csv"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/kline-dash/internal/ecu"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestRecord(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir, IntervalMs: 100, Channels: []string{"rpm", "coolant"}}, nil)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	frame := &ecu.DataFrame{Channels: map[string]float64{"rpm": 850, "coolant": 88.5}}
	stats := ecu.Stats{CommandsPerSecond: 19.96, ChecksumErrors: 2, Timeouts: 1}

	l.Record(frame, stats)
	now = now.Add(50 * time.Millisecond)
	l.Record(frame, stats) // inside the interval, dropped
	now = now.Add(60 * time.Millisecond)
	l.Record(&ecu.DataFrame{Channels: map[string]float64{"rpm": 900}}, stats)
	l.Record(nil, stats)

	path := l.Path()
	require.NotEmpty(path)
	l.Close()
	require.Empty(l.Path())

	rows := readCSV(t, path)
	require.Len(rows, 3)
	require.Equal([]string{"timestamp", "rpm", "coolant", "commands_per_s", "checksum_errors", "timeouts"}, rows[0])
	require.Equal([]string{"2024-05-01T12:00:00Z", "850", "88.5", "20.0", "2", "1"}, rows[1])
	require.Equal("900", rows[2][1])
	require.Empty(rows[2][2], "missing channel")
}

func TestDisabled(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Path: dir}, nil)
	require.False(t, l.IsEnabled())
	l.Record(&ecu.DataFrame{}, ecu.Stats{})
	require.Empty(t, l.Path())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)

	l.SetEnabled(true)
	require.True(t, l.IsEnabled())
	l.Record(&ecu.DataFrame{}, ecu.Stats{})
	require.NotEmpty(t, l.Path())
	l.SetEnabled(false)
	require.Empty(t, l.Path())
}
