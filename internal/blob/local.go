package blob

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const urlScheme = "blob"

// Local keeps blobs under Root/<container>/<name> and signs read URLs with
// an HMAC so they expire without any per-file state.
type Local struct {
	Root    string
	Secret  []byte
	BaseURL string
	Now     func() time.Time
}

func (l *Local) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Upload copies the file into the container, verifying the declared checksum
// first. A mismatching upload is discarded.
func (l *Local) Upload(ctx context.Context, localPath string, p Params) (string, string, error) {
	if p.ContainerName == "" {
		return "", "", fmt.Errorf("container name required")
	}
	name := p.Name
	if name == "" {
		name = uuid.NewString() + filepath.Ext(localPath)
	}
	sum, err := Checksum(localPath, p.Algorithm)
	if err != nil {
		return "", "", err
	}
	if p.Checksum != "" && !strings.EqualFold(p.Checksum, sum) {
		return "", "", fmt.Errorf("%s: declared %s, computed %s: %w", name, p.Checksum, sum, ErrChecksumMismatch)
	}
	dir := filepath.Join(l.Root, p.ContainerName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}
	if err := copyFile(localPath, filepath.Join(dir, name)); err != nil {
		return "", "", err
	}
	return fmt.Sprintf("%s://%s/%s", urlScheme, p.ContainerName, name), sum, nil
}

// Download copies a stored blob to a local path.
func (l *Local) Download(ctx context.Context, blobURL, localPath string) error {
	container, name, err := parseBlobURL(blobURL)
	if err != nil {
		return err
	}
	return copyFile(filepath.Join(l.Root, container, name), localPath)
}

// Path returns the on-disk location of a stored blob.
func (l *Local) Path(blobURL string) (string, error) {
	container, name, err := parseBlobURL(blobURL)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.Root, container, name), nil
}

// SignedReadURL returns BaseURL/files/<container>/<name>?expires=..&sig=..
// valid until now+ttl.
func (l *Local) SignedReadURL(blobURL string, ttl time.Duration) (string, error) {
	container, name, err := parseBlobURL(blobURL)
	if err != nil {
		return "", err
	}
	expires := l.now().Add(ttl).Unix()
	sig := l.sign(container, name, expires)
	return fmt.Sprintf("%s/files/%s/%s?expires=%d&sig=%s",
		strings.TrimRight(l.BaseURL, "/"), url.PathEscape(container), url.PathEscape(name), expires, sig), nil
}

// VerifySignedRead checks the signature and expiry of a signed read request.
func (l *Local) VerifySignedRead(container, name string, expires int64, sig string) error {
	if l.now().Unix() > expires {
		return fmt.Errorf("signed url expired")
	}
	want := l.sign(container, name, expires)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

func (l *Local) sign(container, name string, expires int64) string {
	mac := hmac.New(sha256.New, l.Secret)
	io.WriteString(mac, container+"/"+name+"|"+strconv.FormatInt(expires, 10))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseBlobURL(blobURL string) (container, name string, err error) {
	u, err := url.Parse(blobURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid blob url %q: %w", blobURL, err)
	}
	if u.Scheme != urlScheme {
		return "", "", fmt.Errorf("invalid blob url %q: scheme %s", blobURL, u.Scheme)
	}
	name = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || name == "" || strings.Contains(name, "/") || strings.Contains(name, "..") {
		return "", "", fmt.Errorf("invalid blob url %q", blobURL)
	}
	return u.Host, name, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
