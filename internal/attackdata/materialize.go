// Package attackdata turns the data locator of a test into a file on disk
// that can be uploaded: local samples are copied and remote samples are
// downloaded, so the original is never modified.
package attackdata

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/telhawk-systems/dettest/internal/models"
)

// DefaultCacheSize is the number of downloaded samples kept for reuse.
const DefaultCacheSize = 256

// Materializer produces per-test copies of attack data under a shared root.
// Remote samples are downloaded once per run and cached under root/.cache.
type Materializer struct {
	root    string
	baseDir string
	client  *http.Client
	now     func() time.Time

	cache *lru.Cache[string, string]
	locks sync.Map // url -> *sync.Mutex
}

// Option customises a Materializer.
type Option func(*Materializer)

// WithHTTPClient replaces the client used for downloads.
func WithHTTPClient(hc *http.Client) Option {
	return func(m *Materializer) { m.client = hc }
}

// WithBaseDir resolves relative local locators against dir.
func WithBaseDir(dir string) Option {
	return func(m *Materializer) { m.baseDir = dir }
}

// WithClock overrides the clock used when rewriting timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Materializer) { m.now = now }
}

// New creates a Materializer rooted at root, creating the directory.
func New(root string, opts ...Option) (*Materializer, error) {
	m := &Materializer{
		root:   root,
		client: &http.Client{Timeout: 5 * time.Minute},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := os.MkdirAll(filepath.Join(root, ".cache"), 0o755); err != nil {
		return nil, fmt.Errorf("create attack data root: %w", err)
	}

	cache, err := lru.NewWithEvict[string, string](DefaultCacheSize, func(_ string, file string) {
		os.Remove(file)
	})
	if err != nil {
		return nil, err
	}
	m.cache = cache
	return m, nil
}

// Root returns the shared attack-data directory.
func (m *Materializer) Root() string { return m.root }

// TempDir creates a fresh directory for one test under the worker's
// subdirectory of the root.
func (m *Materializer) TempDir(worker string) (string, error) {
	parent := filepath.Join(m.root, worker)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", err
	}
	return os.MkdirTemp(parent, "test-")
}

// Cleanup removes the shared root and everything in it.
func (m *Materializer) Cleanup() error {
	m.cache.Purge()
	return os.RemoveAll(m.root)
}

// Materialize writes the data of ad into dir and returns the file path. When
// ad.UpdateTimestamp is set the copy has its timestamps moved to end at now.
func (m *Materializer) Materialize(ctx context.Context, dir string, ad models.AttackData) (string, error) {
	src, name, err := m.open(ctx, ad.Data)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst := filepath.Join(dir, name)
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	if ad.UpdateTimestamp {
		data, err := io.ReadAll(src)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", ad.Data, err)
		}
		if _, err := out.Write(RewriteTimestamps(data, m.now())); err != nil {
			return "", fmt.Errorf("write %s: %w", dst, err)
		}
		return dst, out.Close()
	}

	if _, err := io.Copy(out, src); err != nil {
		return "", fmt.Errorf("copy %s: %w", ad.Data, err)
	}
	return dst, out.Close()
}

func isRemote(locator string) bool {
	return strings.HasPrefix(locator, "http://") || strings.HasPrefix(locator, "https://")
}

// open returns a reader over the sample and the file name to use for the copy.
func (m *Materializer) open(ctx context.Context, locator string) (io.ReadCloser, string, error) {
	if isRemote(locator) {
		file, err := m.download(ctx, locator)
		if err != nil {
			return nil, "", err
		}
		f, err := os.Open(file)
		if err != nil {
			return nil, "", err
		}
		return f, remoteName(locator), nil
	}

	p := locator
	if !filepath.IsAbs(p) && m.baseDir != "" {
		p = filepath.Join(m.baseDir, p)
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, "", fmt.Errorf("open attack data: %w", err)
	}
	return f, filepath.Base(p), nil
}

func remoteName(locator string) string {
	name := path.Base(strings.SplitN(locator, "?", 2)[0])
	if name == "" || name == "/" || name == "." {
		return "attack_data.log"
	}
	return name
}

// download fetches url into the cache once and returns the cached file.
func (m *Materializer) download(ctx context.Context, url string) (string, error) {
	if file, ok := m.cache.Get(url); ok {
		return file, nil
	}

	lock, _ := m.locks.LoadOrStore(url, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	if file, ok := m.cache.Get(url); ok {
		return file, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}

	sum := sha256.Sum256([]byte(url))
	file := filepath.Join(m.root, ".cache", hex.EncodeToString(sum[:8])+"-"+remoteName(url))
	tmp := file + ".part"

	out, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("download %s: %w", url, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, file); err != nil {
		return "", err
	}

	m.cache.Add(url, file)
	return file, nil
}
