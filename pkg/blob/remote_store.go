package blob

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jacktea/pixstore/pkg/cache"
	"github.com/jacktea/pixstore/pkg/encryption"
	"github.com/jacktea/pixstore/pkg/xerrors"
)

// RemoteStore persists blobs in S3-compatible object storage (AWS S3, R2,
// MinIO) using path-style addressing.
type RemoteStore struct {
	client  *http.Client
	baseURL string
	signer  Signer
	cache   *cache.Cache[[]byte]
	enc     encryption.Options
}

// RemoteConfig is the provider-agnostic part of the remote configuration.
type RemoteConfig struct {
	Endpoint string
	Bucket   string
	Client   *http.Client
	// CacheEntries bounds the read cache; zero picks a default and a negative
	// value disables caching.
	CacheEntries int
	CacheBytes   int64
	CacheTTL     time.Duration
	Encryption   encryption.Options
}

// Signer signs HTTP requests for remote providers.
type Signer interface {
	Sign(req *http.Request, payloadHash string) error
}

// NewRemoteStore builds a RemoteStore with a signer.
func NewRemoteStore(cfg RemoteConfig, signer Signer) (*RemoteStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("remote store requires endpoint and bucket")
	}
	bucket := strings.Trim(cfg.Bucket, "/")
	if bucket == "" {
		return nil, fmt.Errorf("remote store bucket invalid")
	}
	if err := cfg.Encryption.Validate(); err != nil {
		return nil, err
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.CacheEntries == 0 {
		cfg.CacheEntries = 512
	}
	if cfg.CacheBytes == 0 {
		cfg.CacheBytes = 64 << 20
	}
	store := &RemoteStore{
		client:  client,
		baseURL: strings.TrimSuffix(cfg.Endpoint, "/") + "/" + bucket,
		signer:  signer,
		enc:     cfg.Encryption,
	}
	if cfg.CacheEntries > 0 {
		store.cache = cache.Bytes(cfg.CacheEntries, cfg.CacheBytes, cfg.CacheTTL)
	}
	return store, nil
}

// Close stops the read cache sweeper.
func (r *RemoteStore) Close() error {
	if r.cache != nil {
		return r.cache.Close()
	}
	return nil
}

// Put uploads a blob via HTTP PUT. The payload checksum travels with the
// request so the object store verifies the bytes it receives.
func (r *RemoteStore) Put(ctx context.Context, key string, src io.Reader, size int64, opts PutOptions) (Metadata, error) {
	if err := CheckKey("RemoteStore.Put", key); err != nil {
		return Metadata{}, err
	}
	plain, err := ReadAll("RemoteStore.Put", key, src, size, opts)
	if err != nil {
		return Metadata{}, err
	}
	payload, err := encryption.Encrypt(plain, r.enc)
	if err != nil {
		return Metadata{}, xerrors.Wrap(xerrors.KindInternal, "RemoteStore.Put", key, err)
	}
	md5Sum := md5.Sum(payload)
	payloadDigest := sha256.Sum256(payload)
	payloadHash := hex.EncodeToString(payloadDigest[:])
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.objectURL(key), bytes.NewReader(payload))
	if err != nil {
		return Metadata{}, err
	}
	req.ContentLength = int64(len(payload))
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set("Content-MD5", base64.StdEncoding.EncodeToString(md5Sum[:]))
	req.Header.Set("x-amz-content-sha256", payloadHash)
	req.Header.Set("x-amz-checksum-sha256", base64.StdEncoding.EncodeToString(payloadDigest[:]))
	resp, err := r.do(req, payloadHash)
	if err != nil {
		return Metadata{}, xerrors.Wrap(xerrors.KindInternal, "RemoteStore.Put", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Metadata{}, xerrors.Wrap(xerrors.KindInternal, "RemoteStore.Put", key,
			fmt.Errorf("remote put %s: %s", resp.Status, string(body)))
	}
	r.cachePut(key, plain)
	return Metadata{Key: key, Size: int64(len(plain))}, nil
}

// Get retrieves a blob via HTTP GET, serving repeats from the read cache.
func (r *RemoteStore) Get(ctx context.Context, key string) (io.ReadCloser, Metadata, error) {
	if err := CheckKey("RemoteStore.Get", key); err != nil {
		return nil, Metadata{}, err
	}
	if data, ok := r.cacheGet(key); ok {
		return io.NopCloser(bytes.NewReader(data)), Metadata{Key: key, Size: int64(len(data))}, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.objectURL(key), nil)
	if err != nil {
		return nil, Metadata{}, err
	}
	resp, err := r.do(req, emptyPayloadHash())
	if err != nil {
		return nil, Metadata{}, xerrors.Wrap(xerrors.KindInternal, "RemoteStore.Get", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, Metadata{}, notFound("RemoteStore.Get", key)
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, Metadata{}, xerrors.Wrap(xerrors.KindInternal, "RemoteStore.Get", key,
			fmt.Errorf("remote get %s: %s", resp.Status, string(body)))
	}
	sealed, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Metadata{}, xerrors.Wrap(xerrors.KindInternal, "RemoteStore.Get", key, err)
	}
	data, err := encryption.Decrypt(sealed, r.enc)
	if err != nil {
		return nil, Metadata{}, xerrors.Wrap(xerrors.KindInternal, "RemoteStore.Get", key, err)
	}
	r.cachePut(key, data)
	return io.NopCloser(bytes.NewReader(data)), Metadata{Key: key, Size: int64(len(data))}, nil
}

// Head reports whether the blob is already stored.
func (r *RemoteStore) Head(ctx context.Context, key string) (Metadata, error) {
	if err := CheckKey("RemoteStore.Head", key); err != nil {
		return Metadata{}, err
	}
	if data, ok := r.cacheGet(key); ok {
		return Metadata{Key: key, Size: int64(len(data))}, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, r.objectURL(key), nil)
	if err != nil {
		return Metadata{}, err
	}
	resp, err := r.do(req, emptyPayloadHash())
	if err != nil {
		return Metadata{}, xerrors.Wrap(xerrors.KindInternal, "RemoteStore.Head", key, err)
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Metadata{}, notFound("RemoteStore.Head", key)
	case resp.StatusCode >= 300:
		return Metadata{}, xerrors.Wrap(xerrors.KindInternal, "RemoteStore.Head", key,
			fmt.Errorf("remote head %s", resp.Status))
	}
	size := resp.ContentLength
	if size < 0 {
		size, _ = strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	}
	return Metadata{Key: key, Size: size - int64(encryption.Overhead(r.enc.Method))}, nil
}

func (r *RemoteStore) do(req *http.Request, payloadHash string) (*http.Response, error) {
	if req.Header.Get("x-amz-content-sha256") == "" {
		req.Header.Set("x-amz-content-sha256", payloadHash)
	}
	req.Header.Set("Host", req.URL.Host)
	if r.signer != nil {
		if err := r.signer.Sign(req, payloadHash); err != nil {
			return nil, err
		}
	}
	return r.client.Do(req)
}

func (r *RemoteStore) objectURL(key string) string {
	return r.baseURL + "/" + url.PathEscape(key)
}

func (r *RemoteStore) cacheGet(key string) ([]byte, bool) {
	if r == nil || r.cache == nil {
		return nil, false
	}
	if data, ok := r.cache.Get(key); ok {
		return append([]byte(nil), data...), true
	}
	return nil, false
}

func (r *RemoteStore) cachePut(key string, data []byte) {
	if r == nil || r.cache == nil || len(data) == 0 {
		return
	}
	r.cache.Set(key, append([]byte(nil), data...))
}

func emptyPayloadHash() string {
	sum := sha256.Sum256(nil)
	return hex.EncodeToString(sum[:])
}

// S3Config describes the parameters for S3-compatible stores.
type S3Config struct {
	RemoteConfig
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
}

// NewS3Store builds a RemoteStore with AWS SigV4 signing.
func NewS3Store(cfg S3Config) (*RemoteStore, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Region == "" {
		return nil, fmt.Errorf("s3 store requires access key, secret key, and region")
	}
	signer := &s3Signer{
		accessKey: cfg.AccessKey,
		secretKey: cfg.SecretKey,
		region:    cfg.Region,
		token:     cfg.SessionToken,
	}
	return NewRemoteStore(cfg.RemoteConfig, signer)
}
