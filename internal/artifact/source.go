package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	githubPrefix  = "https://github.com/"
	s3Prefix      = "s3://"
	DefaultRawURL = "https://raw.githubusercontent.com"

	// scripts are small, anything bigger is a mistake
	maxArtifactSize = 16 << 20
)

// GitHub downloads files from raw.githubusercontent.com (or a compatible
// base URL) for repositories written as https://github.com/<owner>/<repo>.
type GitHub struct {
	rawURL *url.URL
	token  string
	client *http.Client
}

func NewGitHub(rawURL, token string, timeout time.Duration) (*GitHub, error) {
	if rawURL == "" {
		rawURL = DefaultRawURL
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, errors.New("please define the raw url with a scheme, e.g. `https://raw.githubusercontent.com`")
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	return &GitHub{
		rawURL: parsed,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (g *GitHub) Match(repo string) bool {
	return strings.HasPrefix(repo, githubPrefix)
}

func (g *GitHub) Fetch(ctx context.Context, repo, ref, file string) ([]byte, error) {
	tail := strings.TrimPrefix(repo, githubPrefix)
	u := *g.rawURL
	u.Path = u.Path + "/" + strings.Trim(tail, "/") + "/" + ref + "/" + strings.TrimLeft(file, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: GET %s: status %d", ErrFetch, u.Redacted(), resp.StatusCode)
	}
	return readLimited(resp.Body)
}

type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// S3 reads objects from repositories written as s3://<bucket>[/<prefix>].
// The object key is <prefix>/<ref>/<path>.
type S3 struct {
	client *minio.Client
}

func NewS3(cfg S3Config) (*S3, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("s3 endpoint is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating s3 client: %w", err)
	}
	return &S3{client: client}, nil
}

func (s *S3) Match(repo string) bool {
	return strings.HasPrefix(repo, s3Prefix)
}

func (s *S3) Fetch(ctx context.Context, repo, ref, file string) ([]byte, error) {
	bucket, prefix, _ := strings.Cut(strings.TrimPrefix(repo, s3Prefix), "/")
	if bucket == "" {
		return nil, fmt.Errorf("%s: %w", repo, ErrUnsupportedSource)
	}
	key := path.Join(prefix, ref, file)

	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: s3 %s/%s: %w", ErrFetch, bucket, key, err)
	}
	defer func() {
		_ = obj.Close()
	}()
	content, err := readLimited(obj)
	if err != nil {
		return nil, fmt.Errorf("s3 %s/%s: %w", bucket, key, err)
	}
	return content, nil
}

func readLimited(r io.Reader) ([]byte, error) {
	content, err := io.ReadAll(io.LimitReader(r, maxArtifactSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	if len(content) > maxArtifactSize {
		return nil, fmt.Errorf("%w: artifact larger than %d bytes", ErrFetch, maxArtifactSize)
	}
	return content, nil
}
