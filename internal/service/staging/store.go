// Package staging keeps synthesized audio on local disk long enough for the
// telephony platform to fetch it.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const partialSuffix = ".partial"

var discriminatorSanitizer = regexp.MustCompile(`[^A-Za-z0-9-]+`)

// mime tables on minimal hosts often lack audio types
var contentTypes = map[string]string{
	".mp3": "audio/mpeg",
	".wav": "audio/wav",
	".pcm": "audio/basic",
}

// Asset is a staged file reachable at PublicURL.
type Asset struct {
	Name      string    `json:"name"`
	Path      string    `json:"-"`
	PublicURL string    `json:"publicUrl"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store writes assets into a single directory served under URLPrefix.
type Store struct {
	dir       string
	baseURL   string
	urlPrefix string
	now       func() time.Time
}

// NewStore creates the staging directory if needed. baseURL may be empty, in
// which case PublicURL is a path relative to the server root.
func NewStore(dir, baseURL, urlPrefix string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("staging directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	if urlPrefix == "" {
		urlPrefix = "/media/"
	}
	return &Store{
		dir:       dir,
		baseURL:   strings.TrimRight(baseURL, "/"),
		urlPrefix: urlPrefix,
		now:       time.Now,
	}, nil
}

// URLPrefix returns the path prefix assets are served under.
func (s *Store) URLPrefix() string {
	return s.urlPrefix
}

// Stage copies r into a new file. The file is written under a temporary name
// and renamed, so it is complete the moment Stage returns.
func (s *Store) Stage(ctx context.Context, discriminator, ext string, r io.Reader) (Asset, error) {
	created := s.now().UTC()
	name := s.fileName(created, discriminator, ext)
	final := filepath.Join(s.dir, name)
	tmp := final + partialSuffix

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return Asset{}, fmt.Errorf("create staged file: %w", err)
	}

	n, copyErr := io.Copy(f, contextReader{ctx: ctx, r: r})
	closeErr := f.Close()
	if copyErr == nil && closeErr != nil {
		copyErr = closeErr
	}
	if copyErr == nil && n == 0 {
		copyErr = errors.New("no audio data received")
	}
	if copyErr != nil {
		_ = os.Remove(tmp)
		return Asset{}, fmt.Errorf("write staged file: %w", copyErr)
	}

	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return Asset{}, fmt.Errorf("publish staged file: %w", err)
	}

	return Asset{
		Name:      name,
		Path:      final,
		PublicURL: s.baseURL + s.urlPrefix + name,
		CreatedAt: created,
	}, nil
}

// fileName yields tts_<unixmilli>_<discriminator>_<uuid>.<ext>.
func (s *Store) fileName(created time.Time, discriminator, ext string) string {
	disc := discriminatorSanitizer.ReplaceAllString(discriminator, "")
	if len(disc) > 36 {
		disc = disc[:36]
	}
	if disc == "" {
		disc = "anon"
	}
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "mp3"
	}
	return fmt.Sprintf("tts_%d_%s_%s.%s", created.UnixMilli(), disc, uuid.NewString(), ext)
}

// Purge removes staged files (and abandoned partial writes) older than olderThan.
func (s *Store) Purge(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("list staging dir: %w", err)
	}

	cutoff := s.now().Add(-olderThan)
	removed := 0
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// 文件可能已被并发删除
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// RunReaper purges on every tick until ctx is cancelled. Extra hooks run on
// the same schedule so other in-memory stores can share one loop.
func (s *Store) RunReaper(ctx context.Context, interval, maxAge time.Duration, hooks ...func(time.Time)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := s.Purge(maxAge)
			if err != nil {
				slog.Warn("staging purge incomplete", "error", err, "removed", n)
			} else if n > 0 {
				slog.Debug("staging purge", "removed", n)
			}
			for _, hook := range hooks {
				hook(now)
			}
		}
	}
}

// Handler serves staged files. Partial writes are never exposed.
func (s *Store) Handler() http.Handler {
	files := http.FileServer(http.Dir(s.dir))
	return http.StripPrefix(strings.TrimSuffix(s.urlPrefix, "/"), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/")
		if name == "" || strings.Contains(name, "/") || strings.HasSuffix(name, partialSuffix) {
			http.NotFound(w, r)
			return
		}
		if ct, ok := contentTypes[filepath.Ext(name)]; ok {
			w.Header().Set("Content-Type", ct)
		}
		files.ServeHTTP(w, r)
	}))
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
