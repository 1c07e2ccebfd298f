package storage

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidSignature is returned for a signed URL that is malformed,
// tampered with or expired.
var ErrInvalidSignature = errors.New("invalid or expired signature")

// FilesystemStorage is a BlobStore on the local filesystem. Signed URLs
// point at the API's blob route and carry an HMAC over key and expiry.
type FilesystemStorage struct {
	baseDir   string
	publicURL string
	secret    []byte
	ephemeral bool
	now       func() time.Time
}

// FilesystemOption configures a FilesystemStorage.
type FilesystemOption func(*FilesystemStorage)

// WithSigning sets the base URL signed links are built on and the HMAC
// secret. An empty secret is replaced by a random one.
func WithSigning(publicURL, secret string) FilesystemOption {
	return func(fs *FilesystemStorage) {
		fs.publicURL = strings.TrimRight(publicURL, "/")
		fs.secret = []byte(secret)
	}
}

// WithClock overrides the clock used for expiry.
func WithClock(now func() time.Time) FilesystemOption {
	return func(fs *FilesystemStorage) { fs.now = now }
}

// NewFilesystemStorage creates a filesystem store rooted at baseDir.
func NewFilesystemStorage(baseDir string, opts ...FilesystemOption) (*FilesystemStorage, error) {
	// Ensure base directory exists
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}

	fs := &FilesystemStorage{
		baseDir:   abs,
		publicURL: "http://localhost:8080",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(fs)
	}
	if len(fs.secret) == 0 {
		fs.secret = make([]byte, 32)
		if _, err := rand.Read(fs.secret); err != nil {
			return nil, fmt.Errorf("failed to generate signing secret: %w", err)
		}
		fs.ephemeral = true
	}
	return fs, nil
}

// EphemeralSecret reports whether URLs are signed with a per-process
// random secret, so they stop verifying after a restart.
func (fs *FilesystemStorage) EphemeralSecret() bool {
	return fs.ephemeral
}

// resolve maps a key to a path under baseDir, rejecting traversal.
func (fs *FilesystemStorage) resolve(key string) (string, error) {
	path := filepath.Join(fs.baseDir, filepath.FromSlash(key))
	if path != fs.baseDir && !strings.HasPrefix(path, fs.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid key %q: path traversal detected", key)
	}
	return path, nil
}

// GetReader returns a reader for the file at the given key
func (fs *FilesystemStorage) GetReader(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := fs.resolve(key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	return file, nil
}

// Exists checks if a file exists at the given key
func (fs *FilesystemStorage) Exists(ctx context.Context, key string) (bool, error) {
	path, err := fs.resolve(key)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat file: %w", err)
	}

	return true, nil
}

// Put writes r to key through a temp file and rename, so readers never
// observe a partial object.
func (fs *FilesystemStorage) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	path, err := fs.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r}); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to commit %s: %w", key, err)
	}
	return nil
}

// GetMetadata returns metadata for the file at the given key
func (fs *FilesystemStorage) GetMetadata(ctx context.Context, key string) (*Metadata, error) {
	path, err := fs.resolve(key)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	return &Metadata{
		Size:        info.Size(),
		ContentType: mime.TypeByExtension(filepath.Ext(path)),
		ETag:        strconv.FormatInt(info.ModTime().UnixNano(), 36),
	}, nil
}

// SignedURL returns {publicURL}/blobs/{key}?expires=..&sig=..
func (fs *FilesystemStorage) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error) {
	if _, err := fs.resolve(key); err != nil {
		return "", time.Time{}, err
	}
	expires := fs.now().Add(ttl).UTC().Truncate(time.Second)
	exp := strconv.FormatInt(expires.Unix(), 10)

	q := url.Values{}
	q.Set("expires", exp)
	q.Set("sig", fs.sign(key, exp))
	return fmt.Sprintf("%s/blobs/%s?%s", fs.publicURL, escapeKey(key), q.Encode()), expires, nil
}

// VerifySignature checks a signature produced by SignedURL.
func (fs *FilesystemStorage) VerifySignature(key, expires, sig string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	if fs.now().Unix() > exp {
		return ErrInvalidSignature
	}
	want := fs.sign(key, expires)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrInvalidSignature
	}
	return nil
}

func (fs *FilesystemStorage) sign(key, expires string) string {
	mac := hmac.New(sha256.New, fs.secret)
	mac.Write([]byte(key))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(expires))
	return hex.EncodeToString(mac.Sum(nil))
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
