package logger

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shaunagostinho/kline-dash/internal/ecu"
)

// Logger records timestamped channel data to CSV files with automatic rotation.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool
	channels []string
	log      *slog.Logger
	now      func() time.Time

	file   *os.File
	writer *csv.Writer
	path   string
	lastTs time.Time
	rows   int
}

// Config holds logger configuration.
type Config struct {
	Enabled    bool     `yaml:"enabled" json:"enabled"`
	Path       string   `yaml:"path" json:"path"`
	IntervalMs int      `yaml:"interval_ms" json:"intervalMs"`
	Channels   []string `yaml:"-" json:"-"` // Column order
}

const (
	maxRowsPerFile = 100_000 // Rotate after 100k rows (~2.7 hrs at 10 Hz)
)

// New creates a new Logger.
func New(cfg Config, log *slog.Logger) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/kline-dash"
	}
	if log == nil {
		log = slog.Default()
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 50*time.Millisecond {
		interval = 100 * time.Millisecond // Default 10 Hz
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
		channels: append([]string(nil), cfg.Channels...),
		log:      log.With("component", "logger"),
		now:      time.Now,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Path returns the file currently written to, if any.
func (l *Logger) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// Record writes a snapshot if the minimum interval has elapsed.
func (l *Logger) Record(frame *ecu.DataFrame, stats ecu.Stats) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || frame == nil {
		return
	}

	now := l.now()
	if now.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = now

	// Open/rotate file if needed
	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(now); err != nil {
			l.log.Error("rotate failed", "err", err)
			return
		}
	}

	if err := l.writer.Write(l.buildRow(now, frame, stats)); err != nil {
		l.log.Error("write failed", "err", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) header() []string {
	h := make([]string, 0, len(l.channels)+4)
	h = append(h, "timestamp")
	h = append(h, l.channels...)
	return append(h, "commands_per_s", "checksum_errors", "timeouts")
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("kline_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.path = path
	l.rows = 0

	// Write header
	if err := l.writer.Write(l.header()); err != nil {
		return err
	}
	l.writer.Flush()

	l.log.Info("opened log file", "path", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	l.path = ""
}

func (l *Logger) buildRow(ts time.Time, f *ecu.DataFrame, st ecu.Stats) []string {
	row := make([]string, 0, len(l.channels)+4)
	row = append(row, ts.Format(time.RFC3339Nano))
	for _, name := range l.channels {
		v, ok := f.Channels[name]
		if !ok {
			row = append(row, "")
			continue
		}
		row = append(row, strconv.FormatFloat(v, 'f', -1, 64))
	}
	return append(row,
		strconv.FormatFloat(st.CommandsPerSecond, 'f', 1, 64),
		strconv.FormatUint(st.ChecksumErrors, 10),
		strconv.FormatUint(st.Timeouts, 10),
	)
}
