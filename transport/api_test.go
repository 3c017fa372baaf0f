package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(ClientParams{BaseURL: server.URL + "/"}, log.NewLogger())
}

func TestClient_MakeBlock(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/mkblk/4194304", r.URL.Path)
		assert.Equal(t, "UpToken secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
		assert.NotEmpty(t, r.Header.Get("X-Reqid"))
		assert.Equal(t, int64(5), r.ContentLength)

		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "chunk", string(body))

		_, _ = w.Write([]byte(`{"ctx":"ctx-1","checksum":"abc","crc32":42,"offset":5,"host":"http://up"}`))
	})

	var lastSent, lastTotal int64
	result, err := client.MakeBlock(context.Background(), MakeBlockParams{
		Token:     "secret",
		BlockSize: 4 << 20,
		Chunk:     []byte("chunk"),
		OnProgress: func(sent, total int64) {
			lastSent, lastTotal = sent, total
		},
	})
	require.NoError(t, err)
	assert.Equal(t, BlockResult{Context: "ctx-1", Checksum: "abc", CRC32: 42, Offset: 5, Host: "http://up"}, result)
	assert.Equal(t, int64(5), lastSent)
	assert.Equal(t, int64(5), lastTotal)
}

func TestClient_PutChunk(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bput/ctx-1/1048576", r.URL.Path)
		_, _ = w.Write([]byte(`{"ctx":"ctx-2","offset":2097152}`))
	})

	result, err := client.PutChunk(context.Background(), PutChunkParams{
		Token:   "secret",
		Context: "ctx-1",
		Offset:  1 << 20,
		Chunk:   []byte("more"),
	})
	require.NoError(t, err)
	assert.Equal(t, "ctx-2", result.Context)

	_, err = client.PutChunk(context.Background(), PutChunkParams{Offset: 4})
	assert.Error(t, err)
}

func TestClient_MakeFile(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mkfile/10/key/a2V5", r.URL.Path)
		assert.Equal(t, "text/plain", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "ctx-a,ctx-b,ctx-c", string(body))

		_, _ = w.Write([]byte(`{"hash":"Fhash","key":"key"}`))
	})

	result, err := client.MakeFile(context.Background(), MakeFileParams{
		Token:    "secret",
		Key:      "a2V5",
		Size:     10,
		Contexts: []string{"ctx-a", "ctx-b", "ctx-c"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Fhash", result.Hash)
	assert.Equal(t, "key", result.Key)
	assert.JSONEq(t, `{"hash":"Fhash","key":"key"}`, string(result.Raw))
}

func TestClient_UploadForm(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))

		assert.Equal(t, "FiqubDXJT8-0FdvpX0CLnOke6Ebt", r.FormValue("key"))
		assert.Equal(t, "secret", r.FormValue("token"))
		assert.Equal(t, "222957957", r.FormValue("crc32"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "hello.txt", header.Filename)
		data, _ := io.ReadAll(file)
		assert.Equal(t, "hello world", string(data))

		_, _ = w.Write([]byte(`{"hash":"FiqubDXJT8-0FdvpX0CLnOke6Ebt","key":"FiqubDXJT8-0FdvpX0CLnOke6Ebt"}`))
	})

	var ticks int32
	result, err := client.UploadForm(context.Background(), FormParams{
		Token:    "secret",
		Key:      "FiqubDXJT8-0FdvpX0CLnOke6Ebt",
		FileName: "hello.txt",
		CRC32:    222957957,
		Data:     []byte("hello world"),
		OnProgress: func(sent, total int64) {
			atomic.AddInt32(&ticks, 1)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "FiqubDXJT8-0FdvpX0CLnOke6Ebt", result.Hash)
	assert.Greater(t, atomic.LoadInt32(&ticks), int32(0))
}

func TestClient_ServiceError(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantMessage string
	}{
		{name: "json error", status: http.StatusUnauthorized, body: `{"error":"bad token"}`, wantMessage: "bad token"},
		{name: "plain error", status: http.StatusBadRequest, body: "invalid ctx\n", wantMessage: "invalid ctx"},
		{name: "server error", status: http.StatusServiceUnavailable, body: `{"error":"busy"}`, wantMessage: "busy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := client.MakeBlock(context.Background(), MakeBlockParams{BlockSize: 4, Chunk: []byte("data")})

			var serviceErr *ServiceError
			require.ErrorAs(t, err, &serviceErr)
			assert.Equal(t, tt.status, serviceErr.StatusCode)
			assert.Equal(t, tt.wantMessage, serviceErr.Message)
			assert.False(t, IsCancel(err))
		})
	}
}

func TestClient_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	baseURL := server.URL
	server.Close()

	client := NewClient(ClientParams{BaseURL: baseURL}, log.NewLogger())
	_, err := client.MakeBlock(context.Background(), MakeBlockParams{BlockSize: 4, Chunk: []byte("data")})

	var networkErr *NetworkError
	require.ErrorAs(t, err, &networkErr)
	assert.True(t, strings.HasPrefix(err.Error(), "000: "))
}

func TestClient_Cancel(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := client.MakeBlock(ctx, MakeBlockParams{BlockSize: 4, Chunk: []byte("data")})
	assert.True(t, IsCancel(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	_, err = client.MakeFile(cancelled, MakeFileParams{Key: "k", Size: 1})
	assert.True(t, IsCancel(err))
}

func TestClient_NoRetryByDefault(t *testing.T) {
	var requests int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.MakeBlock(context.Background(), MakeBlockParams{BlockSize: 4, Chunk: []byte("data")})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests))
}
