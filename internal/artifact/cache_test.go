package artifact_test

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iotpredict/predictor/internal/artifact"
	"github.com/iotpredict/predictor/internal/model"
	"github.com/stretchr/testify/require"
)

const repo = "https://github.com/acme/scripts"

type upstream struct {
	mx      sync.Mutex
	files   map[string]string
	hits    atomic.Int32
	authHdr atomic.Value
}

func newUpstream(t *testing.T) (*upstream, *artifact.GitHub) {
	t.Helper()
	u := &upstream{files: map[string]string{
		"/acme/scripts/v1/per_device/drying.py": "print('v1')\n",
	}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		u.authHdr.Store(r.Header.Get("Authorization"))
		u.mx.Lock()
		body, ok := u.files[r.URL.Path]
		u.mx.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	gh, err := artifact.NewGitHub(srv.URL, "ghp_secret", 5*time.Second)
	require.NoError(t, err)
	return u, gh
}

func (u *upstream) set(path, body string) {
	u.mx.Lock()
	defer u.mx.Unlock()
	u.files[path] = body
}

func newCache(t *testing.T, sources ...artifact.Source) *artifact.Cache {
	t.Helper()
	c, err := artifact.NewCache(filepath.Join(t.TempDir(), "cache"), sources...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func sum(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

var policy = model.SourcePolicy{Allowlist: []string{repo}}

func drying() model.Script {
	return model.Script{Name: "drying", Repo: repo, Ref: "v1", Path: "per_device/drying.py"}
}

func TestResolve_CacheHit(t *testing.T) {
	t.Parallel()
	up, gh := newUpstream(t)
	cache := newCache(t, gh)

	first, err := cache.Resolve(t.Context(), drying(), policy, false)
	require.NoError(t, err)
	require.True(t, first.Fetched)
	require.Equal(t, "drying_v1_per_device_drying.py", first.Key)
	require.Equal(t, filepath.Join(cache.Dir(), first.Key), first.Path)
	require.Equal(t, "Bearer ghp_secret", up.authHdr.Load())

	second, err := cache.Resolve(t.Context(), drying(), policy, false)
	require.NoError(t, err)
	require.False(t, second.Fetched)
	require.Equal(t, first.Path, second.Path)
	require.EqualValues(t, 1, up.hits.Load(), "cache hit must not touch the network")

	content, err := os.ReadFile(second.Path)
	require.NoError(t, err)
	require.Equal(t, "print('v1')\n", string(content))
	info, err := os.Stat(second.Path)
	require.NoError(t, err)
	require.NotZero(t, info.Mode().Perm()&0o100, "artifact must be executable")

	t.Run("refresh fetches again", func(t *testing.T) {
		up.set("/acme/scripts/v1/per_device/drying.py", "print('v1.1')\n")
		art, err := cache.Resolve(t.Context(), drying(), policy, true)
		require.NoError(t, err)
		require.True(t, art.Fetched)
		require.EqualValues(t, 2, up.hits.Load())
		content, err := os.ReadFile(art.Path)
		require.NoError(t, err)
		require.Equal(t, "print('v1.1')\n", string(content))
	})
}

func TestResolve_HashMismatch(t *testing.T) {
	t.Parallel()
	up, gh := newUpstream(t)
	cache := newCache(t, gh)

	t.Run("never populates", func(t *testing.T) {
		s := drying()
		s.SHA256 = sum("something else")
		_, err := cache.Resolve(t.Context(), s, policy, false)
		require.ErrorIs(t, err, artifact.ErrHashMismatch)
		_, err = os.Stat(filepath.Join(cache.Dir(), artifact.Key(s)))
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("never overwrites", func(t *testing.T) {
		s := drying()
		s.SHA256 = sum("print('v1')\n")
		art, err := cache.Resolve(t.Context(), s, policy, false)
		require.NoError(t, err)

		up.set("/acme/scripts/v1/per_device/drying.py", "print('tampered')\n")
		_, err = cache.Resolve(t.Context(), s, policy, true)
		require.ErrorIs(t, err, artifact.ErrHashMismatch)

		content, err := os.ReadFile(art.Path)
		require.NoError(t, err)
		require.Equal(t, "print('v1')\n", string(content))

		entries, err := os.ReadDir(cache.Dir())
		require.NoError(t, err)
		require.Len(t, entries, 1, "no temporary files left behind")
	})

	t.Run("placeholder is no pin", func(t *testing.T) {
		s := drying()
		s.Name = "placeholder"
		s.SHA256 = "<sha256>"
		_, err := cache.Resolve(t.Context(), s, policy, false)
		require.NoError(t, err)
	})
}

func TestResolve_StaleCacheAgainstPin(t *testing.T) {
	t.Parallel()
	up, gh := newUpstream(t)
	cache := newCache(t, gh)

	_, err := cache.Resolve(t.Context(), drying(), policy, false)
	require.NoError(t, err)

	up.set("/acme/scripts/v1/per_device/drying.py", "print('v2')\n")
	s := drying()
	s.SHA256 = sum("print('v2')\n")
	art, err := cache.Resolve(t.Context(), s, policy, false)
	require.NoError(t, err)
	require.True(t, art.Fetched)
	require.EqualValues(t, 2, up.hits.Load())
}

func TestResolve_Rejected(t *testing.T) {
	t.Parallel()
	up, gh := newUpstream(t)
	cache := newCache(t, gh)

	const gitlab = "https://gitlab.com/acme/scripts"
	open := model.SourcePolicy{Allowlist: []string{repo, gitlab}}

	cases := []struct {
		scenario string
		mutate   func(*model.Script)
		err      error
	}{
		{"untrusted repo", func(s *model.Script) { s.Repo = "https://github.com/evil/scripts" }, artifact.ErrUntrustedRepo},
		{"empty repo", func(s *model.Script) { s.Repo = "" }, artifact.ErrUntrustedRepo},
		{"empty ref", func(s *model.Script) { s.Ref = "" }, artifact.ErrInvalidDescriptor},
		{"empty path", func(s *model.Script) { s.Path = " " }, artifact.ErrInvalidDescriptor},
		{"unsupported source", func(s *model.Script) { s.Repo = gitlab }, artifact.ErrUnsupportedSource},
		{"not found upstream", func(s *model.Script) { s.Path = "missing.py" }, artifact.ErrFetch},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			s := drying()
			tc.mutate(&s)
			_, err := cache.Resolve(t.Context(), s, open, false)
			require.ErrorIs(t, err, tc.err)
		})
	}
	require.EqualValues(t, 1, up.hits.Load(), "only the missing file reaches upstream")
}

func TestKey(t *testing.T) {
	t.Parallel()
	require.Equal(t, "a_b_feature_x_dir_file.py", artifact.Key(model.Script{Name: "a/b", Ref: "feature/x", Path: "dir/file.py"}))
	require.Equal(t, "script_v1_x.py", artifact.Key(model.Script{Ref: "v1", Path: "x.py"}))
}

func TestRefreshWindow(t *testing.T) {
	t.Parallel()
	cases := []struct {
		unix     int64
		interval time.Duration
		then     bool
	}{
		{1200, 10 * time.Minute, true},
		{1201, 10 * time.Minute, true},
		{1202, 10 * time.Minute, false},
		{1799, 10 * time.Minute, false},
		{1800, 0, true},
		{61, time.Minute, true},
		{62, time.Minute, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.then, artifact.RefreshWindow(time.Unix(tc.unix, 0), tc.interval), "%d %s", tc.unix, tc.interval)
	}
}

func TestNewGitHub(t *testing.T) {
	t.Parallel()
	_, err := artifact.NewGitHub("raw.example.com", "", time.Second)
	require.Error(t, err)
	gh, err := artifact.NewGitHub("", "", time.Second)
	require.NoError(t, err)
	require.True(t, gh.Match(repo))
	require.False(t, gh.Match("s3://bucket"))
}
