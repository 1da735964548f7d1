package blob

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"time"
)

// ErrChecksumMismatch is returned when an uploaded file does not hash to the
// checksum the caller declared.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Params describes where a blob lives and what it should hash to.
type Params struct {
	ContainerName string
	Name          string
	// Algorithm and Checksum, when set, are verified against the uploaded
	// bytes before the blob is kept.
	Algorithm string
	Checksum  string
}

// Registry stores and serves task files. The local implementation keeps them
// on disk; the interface leaves room for an object store.
type Registry interface {
	Upload(ctx context.Context, localPath string, p Params) (url, checksum string, err error)
	Download(ctx context.Context, url, localPath string) error
	// SignedReadURL converts a stored blob url into a short-lived,
	// HMAC-signed URL a box or client can fetch without credentials.
	SignedReadURL(url string, ttl time.Duration) (string, error)
}

// Checksum hashes a file with the named algorithm (md5 or sha256).
func Checksum(path, algorithm string) (string, error) {
	var h hash.Hash
	switch algorithm {
	case "", "md5":
		h = md5.New()
	case "sha256":
		h = sha256.New()
	default:
		return "", fmt.Errorf("unsupported checksum algorithm %s", algorithm)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
