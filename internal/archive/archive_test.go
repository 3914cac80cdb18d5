package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackage(t *testing.T) {
	data, err := Package([]File{
		{Name: "scene_01.png", Data: []byte("one")},
		{Name: "dir/prompts.txt", Data: []byte("1. A")},
	})
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	assert.Equal(t, "scene_01.png", zr.File[0].Name)
	assert.Equal(t, "prompts.txt", zr.File[1].Name)

	rc, err := zr.File[1].Open()
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "1. A", string(body))
}

func TestPackage_Rejects(t *testing.T) {
	_, err := Package(nil)
	assert.Error(t, err)

	_, err = Package([]File{{Name: "a.png"}, {Name: "x/a.png"}})
	assert.ErrorContains(t, err, "duplicate")

	_, err = Package([]File{{Name: "  "}})
	assert.Error(t, err)
}

func TestFileName(t *testing.T) {
	seen := map[string]int{}
	assert.Equal(t, "scene_01.png", FileName(1, "image/png", seen))
	assert.Equal(t, "scene_02.jpg", FileName(2, "image/jpeg", seen))
	assert.Equal(t, "scene_02_2.webp", FileName(2, "image/webp", seen))
	assert.Equal(t, "scene_12.png", FileName(12, "", nil))
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "storyboards/ws-1/a.zip", ObjectKey(" ws-1/ ", "/a.zip"))
	assert.Equal(t, "storyboards/anonymous/a.zip", ObjectKey("", "a.zip"))
}

func TestNewS3Store_Validation(t *testing.T) {
	_, err := NewS3Store(S3Config{})
	assert.ErrorContains(t, err, "endpoint")

	_, err = NewS3Store(S3Config{Endpoint: "localhost:9000"})
	assert.ErrorContains(t, err, "access key")

	_, err = NewS3Store(S3Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b"})
	assert.ErrorContains(t, err, "bucket")
}

func TestS3Store_Upload(t *testing.T) {
	var (
		mu   sync.Mutex
		puts []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			puts = append(puts, r.URL.Path+"|"+string(body))
			mu.Unlock()
			w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	defer srv.Close()

	store, err := NewS3Store(S3Config{
		Endpoint:  srv.URL,
		AccessKey: "access",
		SecretKey: "secret",
		Bucket:    "boards",
	})
	require.NoError(t, err)

	url, err := store.Upload(context.Background(), "ws-1", []byte("zipdata"))
	require.NoError(t, err)
	assert.Contains(t, url, "/boards/storyboards/ws-1/")
	assert.Contains(t, url, "X-Amz-Signature=")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, puts, 1)
	path, body, _ := strings.Cut(puts[0], "|")
	assert.True(t, strings.HasPrefix(path, "/boards/storyboards/ws-1/"))
	assert.True(t, strings.HasSuffix(path, ".zip"))
	assert.Contains(t, body, "zipdata")

	_, err = store.Upload(context.Background(), "ws-1", nil)
	assert.Error(t, err)
}
