// Package attachment resolves the image files to paste for each recipient.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"wasender/internal/domain"
)

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	TempDir    string        // where downloads land; empty = os.TempDir()
	Timeout    time.Duration // per request
	MaxRetries int           // retries for transport errors, 5xx and 429
	MaxBytes   int64         // download cap (default: 16MB)
	Client     *http.Client
	Logger     *slog.Logger
}

// Resolver builds AttachmentSets. Resolution never fails a run: every
// problem is logged and the offending image is skipped.
type Resolver struct {
	tempDir    string
	maxRetries int
	maxBytes   int64
	client     *http.Client
	backoff    func(int) time.Duration
	logger     *slog.Logger
}

// NewResolver creates a resolver.
func NewResolver(cfg ResolverConfig) *Resolver {
	client := cfg.Client
	if client == nil {
		client = SharedHTTPClient(cfg.Timeout)
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 16 * 1024 * 1024
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		tempDir:    cfg.TempDir,
		maxRetries: max(cfg.MaxRetries, 0),
		maxBytes:   maxBytes,
		client:     client,
		backoff:    defaultBackoff,
		logger:     logger,
	}
}

// Resolve returns the recipient's own image (downloaded or local) followed by
// the global images in selection order.
func (r *Resolver) Resolve(ctx context.Context, rec domain.Recipient, global []string) domain.AttachmentSet {
	var set domain.AttachmentSet

	if ref := rec.ImageRef(); ref != "" {
		if isRemote(ref) {
			path, err := r.fetch(ctx, ref)
			if err != nil {
				r.logger.Warn("image download skipped", "row", rec.Row, "url", ref, "error", err)
			} else {
				set.Paths = append(set.Paths, path)
				set.Temporary = append(set.Temporary, path)
			}
		} else if _, err := DecodeConfig(ref); err != nil {
			r.logger.Warn("image skipped", "row", rec.Row, "path", ref, "error", err)
		} else {
			set.Paths = append(set.Paths, ref)
		}
	}

	set.Paths = append(set.Paths, global...)
	return set
}

// Release removes the temporary files in set.
func (r *Resolver) Release(set domain.AttachmentSet) {
	for _, p := range set.Temporary {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("remove temp image failed", "path", p, "error", err)
		}
	}
}

func (r *Resolver) fetch(ctx context.Context, rawURL string) (string, error) {
	resp, err := doWithRetry(ctx, r.client, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	}, r.maxRetries, r.backoff, r.logger)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	ext := extensionFor(resp.Header.Get("Content-Type"), resp.Request.URL.Path)
	out, err := os.CreateTemp(r.tempDir, "wasender-*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	path := out.Name()

	written, err := io.Copy(out, io.LimitReader(resp.Body, r.maxBytes+1))
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write image: %w", err)
	}
	if written > r.maxBytes {
		os.Remove(path)
		return "", fmt.Errorf("image too large: more than %d bytes", r.maxBytes)
	}
	if _, err := DecodeConfig(path); err != nil {
		os.Remove(path)
		return "", err
	}

	r.logger.Debug("image downloaded", "url", rawURL, "path", path, "size", written)
	return path, nil
}

func isRemote(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return (scheme == "http" || scheme == "https") && u.Host != ""
}

// ValidateImages checks that every globally selected image exists and
// decodes.
func ValidateImages(paths []string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return &domain.NotFoundError{What: "image", Path: p, Err: err}
		}
		if _, err := DecodeConfig(p); err != nil {
			return &domain.NotFoundError{What: "image", Path: p, Err: err}
		}
	}
	return nil
}

// CheckDocument verifies that an optional document path points at a
// readable regular file. An empty path means no document.
func CheckDocument(path string) error {
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return &domain.NotFoundError{What: "document", Path: path, Err: err}
	}
	if info.IsDir() {
		return &domain.NotFoundError{What: "document", Path: path, Err: errors.New("is a directory")}
	}
	return nil
}
