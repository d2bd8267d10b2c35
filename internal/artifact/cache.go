// Package artifact resolves script descriptors to verified local files.
// Files are cached under a single directory keyed by name, ref and path and
// are only replaced by a refresh.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iotpredict/predictor/internal/model"
)

var (
	ErrUntrustedRepo      = errors.New("repository not in allowlist")
	ErrInvalidDescriptor  = errors.New("script needs ref and path")
	ErrUnsupportedSource  = errors.New("unsupported repository")
	ErrFetch              = errors.New("fetch failed")
	ErrHashMismatch       = errors.New("sha256 mismatch")
	errCachedHashMismatch = errors.New("cached artifact does not match pin")
)

// Source fetches raw script content by repository, ref and path.
type Source interface {
	Match(repo string) bool
	Fetch(ctx context.Context, repo, ref, path string) ([]byte, error)
}

type Artifact struct {
	Path string
	Key  string
	// Fetched is true when the content was downloaded by this call
	Fetched bool
}

type Cache struct {
	dir     string
	root    *os.Root
	sources []Source
}

func NewCache(dir string, sources ...Source) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("opening cache dir: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		_ = root.Close()
		return nil, err
	}
	return &Cache{
		dir:     abs,
		root:    root,
		sources: sources,
	}, nil
}

func (c *Cache) Close() error {
	return c.root.Close()
}

func (c *Cache) Dir() string {
	return c.dir
}

// Resolve returns the local artifact for script. Without refresh a cached
// file is returned without any network access. Content which does not match
// a pinned hash never reaches the cache.
func (c *Cache) Resolve(ctx context.Context, script model.Script, policy model.SourcePolicy, refresh bool) (Artifact, error) {
	if !policy.Allowed(script.Repo) {
		return Artifact{}, fmt.Errorf("%s: %w", script.Repo, ErrUntrustedRepo)
	}
	if strings.TrimSpace(script.Ref) == "" || strings.TrimSpace(script.Path) == "" {
		return Artifact{}, ErrInvalidDescriptor
	}

	key := Key(script)
	art := Artifact{
		Path: filepath.Join(c.dir, key),
		Key:  key,
	}
	pin := script.PinnedHash()

	if !refresh {
		err := c.cached(key, pin)
		switch {
		case err == nil:
			return art, nil
		case errors.Is(err, errCachedHashMismatch):
			slog.WarnContext(ctx, "cached artifact does not match pin, fetching", "key", key)
		case !errors.Is(err, fs.ErrNotExist):
			return Artifact{}, err
		}
	}

	src := c.source(script.Repo)
	if src == nil {
		return Artifact{}, fmt.Errorf("%s: %w", script.Repo, ErrUnsupportedSource)
	}

	start := time.Now()
	content, err := src.Fetch(ctx, strings.TrimRight(script.Repo, "/"), script.Ref, script.Path)
	if err != nil {
		return Artifact{}, err
	}
	if pin != "" {
		if got := digest(content); got != pin {
			return Artifact{}, fmt.Errorf("%s: expected %s, got %s: %w", key, pin, got, ErrHashMismatch)
		}
	}
	if err := c.store(key, content); err != nil {
		return Artifact{}, err
	}
	slog.DebugContext(ctx, "artifact fetched",
		"key", key,
		"size", len(content),
		"elapsed", time.Since(start))
	art.Fetched = true
	return art, nil
}

func (c *Cache) cached(key, pin string) error {
	if pin == "" {
		info, err := c.root.Stat(key)
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("%s: not a regular file", key)
		}
		return nil
	}
	content, err := c.root.ReadFile(key)
	if err != nil {
		return err
	}
	if digest(content) != pin {
		return errCachedHashMismatch
	}
	return nil
}

func (c *Cache) store(key string, content []byte) error {
	tmp := "." + key + "." + uuid.NewString()
	if err := c.root.WriteFile(tmp, content, 0o755); err != nil {
		return fmt.Errorf("writing artifact: %w", err)
	}
	if err := c.root.Rename(tmp, key); err != nil {
		_ = c.root.Remove(tmp)
		return fmt.Errorf("writing artifact: %w", err)
	}
	return nil
}

func (c *Cache) source(repo string) Source {
	for _, s := range c.sources {
		if s.Match(repo) {
			return s
		}
	}
	return nil
}

// Key is the cache file name of a script: name_ref_path with every slash
// replaced by an underscore.
func Key(script model.Script) string {
	r := strings.NewReplacer("/", "_", "\\", "_")
	return r.Replace(script.DisplayName()) + "_" + r.Replace(script.Ref) + "_" + r.Replace(script.Path)
}

// RefreshWindow reports whether now falls in the first two seconds of a
// refresh interval. Compute it once per cycle.
func RefreshWindow(now time.Time, interval time.Duration) bool {
	secs := int64(interval / time.Second)
	if secs <= 0 {
		secs = int64(model.SourcePolicy{}.RefreshInterval() / time.Second)
	}
	return now.Unix()%secs < 2
}

func digest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
