package artifact

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultCacheTTL = 24 * time.Hour

type cacheEntry struct {
	path      string
	fetchedAt time.Time
}

// Resolver downloads remote media into the managed data root, dedupes
// repeat fetches by source URL, and maps local paths to servable URLs.
// The cache index is process-local; two concurrent fetches of the same URL
// may both download, which is tolerated (last write wins, no corruption).
type Resolver struct {
	dataDir         string
	mediaBasePath   string
	downloadBaseURL string
	ttl             time.Duration

	// large media transfers get a long timeout
	client *http.Client
	log    zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func New(dataDir, mediaBasePath, downloadBaseURL string, log zerolog.Logger) *Resolver {
	r := &Resolver{
		dataDir:         dataDir,
		mediaBasePath:   strings.TrimRight(mediaBasePath, "/"),
		downloadBaseURL: strings.TrimRight(downloadBaseURL, "/"),
		ttl:             defaultCacheTTL,
		client:          &http.Client{Timeout: 10 * time.Minute},
		log:             log,
		now:             time.Now,
		cache:           make(map[string]cacheEntry),
	}
	if err := os.MkdirAll(r.TempDir(), 0o755); err != nil {
		log.Error().Err(err).Msg("create temp dir failed")
	}
	return r
}

func (r *Resolver) TempDir() string {
	return filepath.Join(r.dataDir, "temp")
}

// Fetch downloads src into the temp area, reusing a cached copy when one is
// younger than the TTL and still on disk.
func (r *Resolver) Fetch(ctx context.Context, src string) (string, error) {
	r.mu.Lock()
	if e, ok := r.cache[src]; ok {
		if r.now().Sub(e.fetchedAt) < r.ttl {
			if _, err := os.Stat(e.path); err == nil {
				r.mu.Unlock()
				r.log.Debug().Str("url", src).Str("path", e.path).Msg("using cached file")
				return e.path, nil
			}
		}
	}
	r.mu.Unlock()

	name := strings.ReplaceAll(uuid.NewString(), "-", "")
	if ext := extensionFromURL(src); ext != "" {
		name += ext
	}
	dest := filepath.Join(r.TempDir(), name)

	if err := os.MkdirAll(r.TempDir(), 0o755); err != nil {
		return "", err
	}
	if err := r.stream(ctx, src, dest); err != nil {
		_ = os.Remove(dest)
		return "", fmt.Errorf("download %s: %w", src, err)
	}

	r.mu.Lock()
	r.cache[src] = cacheEntry{path: dest, fetchedAt: r.now()}
	r.mu.Unlock()

	return dest, nil
}

// Download streams src to dest. It returns "" on any failure instead of an
// error: a generation whose artifact could not be copied locally is still a
// successful generation, and the remote URL stays in the result.
func (r *Resolver) Download(ctx context.Context, src, dest string) string {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		r.log.Error().Err(err).Str("dest", dest).Msg("create download dir failed")
		return ""
	}
	if err := r.stream(ctx, src, dest); err != nil {
		_ = os.Remove(dest)
		r.log.Error().Err(err).Str("url", src).Msg("download failed")
		return ""
	}
	r.log.Info().Str("url", src).Str("path", dest).Msg("downloaded artifact")
	return dest
}

func (r *Resolver) stream(ctx context.Context, src, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// URLs maps a path under the managed data root to its servable forms:
// the media path, a filename download URL, and the absolute URL. Paths
// outside the data root fall back to filename-only URLs.
func (r *Resolver) URLs(localPath string) (mediaURL, downloadURL, absURL string) {
	if localPath == "" {
		return "", "", ""
	}
	if isRemoteURL(localPath) {
		return localPath, localPath, localPath
	}

	rel, err := filepath.Rel(r.dataDir, localPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(localPath)
	}
	rel = filepath.ToSlash(rel)

	name := filepath.Base(localPath)
	mediaURL = r.mediaBasePath + "/" + rel
	downloadURL = r.downloadBaseURL + "/" + url.PathEscape(name)
	absURL = r.downloadBaseURL + mediaURL
	return mediaURL, downloadURL, absURL
}

// CleanupExpired drops cache entries older than the TTL (removing their
// files) and sweeps orphan files in the temp area that no entry tracks.
func (r *Resolver) CleanupExpired() {
	now := r.now()

	r.mu.Lock()
	tracked := make(map[string]struct{}, len(r.cache))
	for src, e := range r.cache {
		if now.Sub(e.fetchedAt) > r.ttl {
			if err := os.Remove(e.path); err == nil {
				r.log.Info().Str("path", e.path).Msg("removed expired temp file")
			}
			delete(r.cache, src)
			continue
		}
		tracked[e.path] = struct{}{}
	}
	r.mu.Unlock()

	entries, err := os.ReadDir(r.TempDir())
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		full := filepath.Join(r.TempDir(), entry.Name())
		if _, ok := tracked[full]; ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > r.ttl {
			if err := os.Remove(full); err == nil {
				r.log.Info().Str("path", full).Msg("removed orphan temp file")
			}
		}
	}
}

func isRemoteURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func extensionFromURL(src string) string {
	u, err := url.Parse(src)
	if err != nil {
		return ""
	}
	return strings.ToLower(filepath.Ext(u.Path))
}
