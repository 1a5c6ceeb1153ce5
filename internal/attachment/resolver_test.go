package attachment

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"wasender/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func writePNG(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, pngBytes(t), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestResolver(t *testing.T, retries int) *Resolver {
	t.Helper()
	r := NewResolver(ResolverConfig{
		TempDir:    t.TempDir(),
		MaxRetries: retries,
		Logger:     testLogger(),
	})
	r.backoff = func(int) time.Duration { return 0 }
	return r
}

func recipientWithImage(ref string) domain.Recipient {
	return domain.Recipient{
		Row:     1,
		Columns: []string{domain.ColumnMobileNumber, domain.ColumnImageURL},
		Values:  map[string]string{domain.ColumnMobileNumber: "91234567", domain.ColumnImageURL: ref},
	}
}

func TestResolve_PerRecipientFirstThenGlobals(t *testing.T) {
	img := pngBytes(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(img)
	}))
	defer srv.Close()

	dir := t.TempDir()
	g1 := writePNG(t, dir, "g1.png")
	g2 := writePNG(t, dir, "g2.png")

	r := newTestResolver(t, 0)
	set := r.Resolve(context.Background(), recipientWithImage(srv.URL+"/pic"), []string{g1, g2})

	if set.Len() != 3 {
		t.Fatalf("expected 3 images, got %d: %v", set.Len(), set.Paths)
	}
	if set.Paths[1] != g1 || set.Paths[2] != g2 {
		t.Fatalf("globals out of order: %v", set.Paths)
	}
	if len(set.Temporary) != 1 || set.Temporary[0] != set.Paths[0] {
		t.Fatalf("downloaded file should be first and temporary: %+v", set)
	}
	if filepath.Ext(set.Paths[0]) != ".png" {
		t.Fatalf("expected .png suffix, got %s", set.Paths[0])
	}

	r.Release(set)
	if _, err := os.Stat(set.Paths[0]); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temp file should be removed, stat err=%v", err)
	}
	if _, err := os.Stat(g1); err != nil {
		t.Fatalf("global image must not be removed: %v", err)
	}
}

func TestResolve_RetriesServerErrors(t *testing.T) {
	img := pngBytes(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(img)
	}))
	defer srv.Close()

	r := newTestResolver(t, 2)
	set := r.Resolve(context.Background(), recipientWithImage(srv.URL), nil)
	if set.Len() != 1 {
		t.Fatalf("expected image after retries, got %d", set.Len())
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
	r.Release(set)
}

func TestResolve_ClientErrorIsSkippedWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	dir := t.TempDir()
	g := writePNG(t, dir, "g.png")

	r := newTestResolver(t, 3)
	set := r.Resolve(context.Background(), recipientWithImage(srv.URL), []string{g})
	if set.Len() != 1 || set.Paths[0] != g {
		t.Fatalf("expected only the global image, got %v", set.Paths)
	}
	if calls.Load() != 1 {
		t.Fatalf("404 should not be retried, got %d calls", calls.Load())
	}
}

func TestResolve_TooLargeIsSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte{0x89}, 100))
	}))
	defer srv.Close()

	r := newTestResolver(t, 0)
	r.maxBytes = 10
	set := r.Resolve(context.Background(), recipientWithImage(srv.URL), nil)
	if set.Len() != 0 {
		t.Fatalf("oversized image should be skipped, got %v", set.Paths)
	}
	entries, _ := os.ReadDir(r.tempDir)
	if len(entries) != 0 {
		t.Fatalf("partial download left behind: %d files", len(entries))
	}
}

func TestResolve_NonImageBodyIsSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>login</html>"))
	}))
	defer srv.Close()

	r := newTestResolver(t, 0)
	set := r.Resolve(context.Background(), recipientWithImage(srv.URL), nil)
	if set.Len() != 0 {
		t.Fatalf("html body should be skipped, got %v", set.Paths)
	}
}

func TestResolve_LocalPath(t *testing.T) {
	dir := t.TempDir()
	good := writePNG(t, dir, "a.png")
	bad := filepath.Join(dir, "b.png")
	os.WriteFile(bad, []byte("not an image"), 0o644)

	r := newTestResolver(t, 0)

	set := r.Resolve(context.Background(), recipientWithImage(good), nil)
	if set.Len() != 1 || set.Paths[0] != good || len(set.Temporary) != 0 {
		t.Fatalf("local image should be used in place: %+v", set)
	}

	set = r.Resolve(context.Background(), recipientWithImage(bad), nil)
	if set.Len() != 0 {
		t.Fatalf("undecodable local file should be skipped: %+v", set)
	}

	set = r.Resolve(context.Background(), recipientWithImage(filepath.Join(dir, "missing.png")), nil)
	if set.Len() != 0 {
		t.Fatalf("missing local file should be skipped: %+v", set)
	}
}

func TestResolve_LoggerAttrsComeFromCaller(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil)).With("component", "attachment")
	r := NewResolver(ResolverConfig{TempDir: t.TempDir(), Logger: logger})

	r.Resolve(context.Background(), recipientWithImage(filepath.Join(t.TempDir(), "missing.png")), nil)

	out := buf.String()
	if !strings.Contains(out, "image skipped") {
		t.Fatalf("expected a skip warning, got %q", out)
	}
	if n := strings.Count(out, "component=attachment"); n != 1 {
		t.Fatalf("component attr written %d times: %q", n, out)
	}
}

func TestResolve_NoImageColumn(t *testing.T) {
	r := newTestResolver(t, 0)
	rec := domain.Recipient{Columns: []string{domain.ColumnMobileNumber}, Values: map[string]string{domain.ColumnMobileNumber: "1"}}
	set := r.Resolve(context.Background(), rec, nil)
	if set.Len() != 0 {
		t.Fatalf("expected empty set, got %v", set.Paths)
	}
}

func TestLoadPNG_ConvertsJPEG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.jpg")
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4)), nil); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(path, buf.Bytes(), 0o644)

	data, err := LoadPNG(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, format, err := image.DecodeConfig(bytes.NewReader(data)); err != nil || format != "png" {
		t.Fatalf("expected png output, got format=%q err=%v", format, err)
	}
}

func TestExtensionFor(t *testing.T) {
	cases := []struct {
		ct, path, want string
	}{
		{"image/jpeg", "/x", ".jpg"},
		{"image/webp; charset=binary", "/x.png", ".webp"},
		{"application/octet-stream", "/photo.GIF", ".gif"},
		{"", "/noext", ".png"},
	}
	for _, c := range cases {
		if got := extensionFor(c.ct, c.path); got != c.want {
			t.Errorf("extensionFor(%q, %q) = %q, want %q", c.ct, c.path, got, c.want)
		}
	}
}

func TestValidateImagesAndDocument(t *testing.T) {
	dir := t.TempDir()
	good := writePNG(t, dir, "a.png")
	if err := ValidateImages([]string{good}); err != nil {
		t.Fatalf("valid image rejected: %v", err)
	}
	err := ValidateImages([]string{good, filepath.Join(dir, "nope.png")})
	if !domain.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}

	if err := CheckDocument(""); err != nil {
		t.Fatalf("empty document should be allowed: %v", err)
	}
	if err := CheckDocument(good); err != nil {
		t.Fatalf("existing document rejected: %v", err)
	}
	if err := CheckDocument(dir); !domain.IsConfigurationError(err) {
		t.Fatalf("directory should be rejected, got %v", err)
	}
}
