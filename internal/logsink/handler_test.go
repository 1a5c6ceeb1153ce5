package logsink

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"
)

var linePattern = regexp.MustCompile(`^\[\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\] \[(DEBUG|INFO|WARN|ERROR)\] : `)

func TestHandler_LineFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(slog.LevelInfo, &buf))
	logger.Error("The following numbers has failed to send []")

	line := buf.String()
	if !linePattern.MatchString(line) {
		t.Fatalf("line does not match format: %q", line)
	}
	if !strings.HasSuffix(line, "[ERROR] : The following numbers has failed to send []\n") {
		t.Fatalf("unexpected line: %q", line)
	}
}

func TestHandler_Attrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(slog.LevelDebug, &buf)).With("run_id", "abc")
	logger.WithGroup("img").Info("image pasted", "path", "/tmp/a b.png", "n", 2)

	line := buf.String()
	for _, want := range []string{"[INFO] : image pasted", " run_id=abc", ` img.path="/tmp/a b.png"`, " img.n=2"} {
		if !strings.Contains(line, want) {
			t.Errorf("missing %q in %q", want, line)
		}
	}
}

func TestHandler_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(slog.LevelWarn, &buf))
	logger.Info("hidden")
	logger.Debug("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "[WARN] : shown") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestHandler_FansOut(t *testing.T) {
	var a, b bytes.Buffer
	slog.New(NewHandler(slog.LevelInfo, &a, &b)).Info("Process COMPLETED.")
	if a.String() == "" || a.String() != b.String() {
		t.Fatalf("outputs differ: %q vs %q", a.String(), b.String())
	}
}

func TestEnsureFile_CreatesHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "log.txt")

	f, err := EnsureFile(path)
	if err != nil {
		t.Fatal(err)
	}
	slog.New(NewHandler(slog.LevelInfo, f)).Info("first run")
	f.Close()

	f, err = EnsureFile(path)
	if err != nil {
		t.Fatal(err)
	}
	slog.New(NewHandler(slog.LevelInfo, f)).Info("second run")
	f.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d:\n%s", len(lines), data)
	}
	if !strings.HasSuffix(lines[0], "[INFO] : Log file created.") {
		t.Fatalf("missing header: %q", lines[0])
	}
	if !strings.Contains(lines[1], "first run") || !strings.Contains(lines[2], "second run") {
		t.Fatalf("log was truncated or reordered:\n%s", data)
	}
	for _, l := range lines {
		if !linePattern.MatchString(l) {
			t.Errorf("bad line %q", l)
		}
	}
}

func TestHandler_UsesRecordTime(t *testing.T) {
	var buf bytes.Buffer
	h := NewHandler(slog.LevelInfo, &buf)
	r := slog.NewRecord(time.Date(2024, 3, 9, 7, 5, 1, 0, time.Local), slog.LevelInfo, "x", 0)
	if err := h.Handle(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "[2024-03-09 07:05:01] [INFO] : x") {
		t.Fatalf("unexpected: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("DEBUG") != slog.LevelDebug || ParseLevel("warn") != slog.LevelWarn ||
		ParseLevel("error") != slog.LevelError || ParseLevel("") != slog.LevelInfo {
		t.Fatal("level mapping wrong")
	}
}
