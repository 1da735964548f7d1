package blob_test

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"karya/internal/blob"
)

func newLocal(t *testing.T) *blob.Local {
	t.Helper()
	return &blob.Local{
		Root:    t.TempDir(),
		Secret:  []byte("test-secret"),
		BaseURL: "http://server.example",
		Now:     func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) },
	}
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestUploadDownloadRoundtrip(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()
	src := writeTemp(t, `{"sentences":["hello"]}`)

	blobURL, sum, err := l.Upload(ctx, src, blob.Params{ContainerName: "task-input", Name: "in.json"})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if blobURL != "blob://task-input/in.json" {
		t.Fatalf("blob url: %s", blobURL)
	}
	if sum == "" {
		t.Fatal("expected computed checksum")
	}

	dst := filepath.Join(t.TempDir(), "out.json")
	if err := l.Download(ctx, blobURL, dst); err != nil {
		t.Fatalf("download: %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != `{"sentences":["hello"]}` {
		t.Fatalf("downloaded content %q: %v", data, err)
	}
}

func TestUploadVerifiesDeclaredChecksum(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()
	src := writeTemp(t, "content")

	want, err := blob.Checksum(src, "md5")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := l.Upload(ctx, src, blob.Params{
		ContainerName: "c", Name: "n", Algorithm: "md5", Checksum: want,
	}); err != nil {
		t.Fatalf("matching checksum rejected: %v", err)
	}
	_, _, err = l.Upload(ctx, src, blob.Params{
		ContainerName: "c", Name: "n2", Algorithm: "md5", Checksum: "deadbeef",
	})
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(l.Root, "c", "n2")); statErr == nil {
		t.Fatal("mismatching upload was kept")
	}
}

func TestSignedReadURL(t *testing.T) {
	l := newLocal(t)
	signed, err := l.SignedReadURL("blob://recordings/a.wav", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	u, err := url.Parse(signed)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(signed, "http://server.example/files/recordings/a.wav?") {
		t.Fatalf("signed url: %s", signed)
	}
	expires, err := strconv.ParseInt(u.Query().Get("expires"), 10, 64)
	if err != nil {
		t.Fatal(err)
	}
	sig := u.Query().Get("sig")

	if err := l.VerifySignedRead("recordings", "a.wav", expires, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := l.VerifySignedRead("recordings", "b.wav", expires, sig); err == nil {
		t.Fatal("signature accepted for a different name")
	}
	if err := l.VerifySignedRead("recordings", "a.wav", expires+1, sig); err == nil {
		t.Fatal("signature accepted for a tampered expiry")
	}
}

func TestSignedReadURLExpires(t *testing.T) {
	l := newLocal(t)
	signed, err := l.SignedReadURL("blob://recordings/a.wav", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	u, _ := url.Parse(signed)
	expires, _ := strconv.ParseInt(u.Query().Get("expires"), 10, 64)
	sig := u.Query().Get("sig")

	l.Now = func() time.Time { return time.Unix(expires+1, 0) }
	if err := l.VerifySignedRead("recordings", "a.wav", expires, sig); err == nil {
		t.Fatal("expired signature accepted")
	}
}

func TestRejectsTraversalBlobURLs(t *testing.T) {
	l := newLocal(t)
	for _, bad := range []string{
		"blob://c/../../etc/passwd",
		"blob://c/",
		"file:///etc/passwd",
		"blob:///name",
	} {
		if _, err := l.Path(bad); err == nil {
			t.Fatalf("accepted %q", bad)
		}
	}
}
