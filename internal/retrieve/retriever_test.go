package retrieve

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPRetriever_Success(t *testing.T) {
	payload := bytes.Repeat([]byte{0x89, 'P', 'N', 'G'}, 64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(payload)
	}))
	defer srv.Close()

	r := NewHTTPRetriever(srv.URL+"/tile.png", srv.Client(), time.Second)
	assert.Equal(t, StateStarted, r.State())

	res := r.Retrieve(context.Background())
	require.True(t, res.Successful(), "%v", res.Err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "image/png", res.ContentType)
	assert.Equal(t, payload, res.Body)
	assert.Equal(t, StateSuccessful, r.State())
	assert.Equal(t, int64(len(payload)), r.ContentLengthRead())
	assert.Equal(t, int64(len(payload)), r.ContentLength())
}

func TestHTTPRetriever_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	r := NewHTTPRetriever(srv.URL, srv.Client(), time.Second)
	res := r.Retrieve(context.Background())
	assert.False(t, res.Successful())
	assert.True(t, errors.Is(res.Err, ErrStatus))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, StateError, r.State())
}

func TestHTTPRetriever_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	r := NewHTTPRetriever(url, NewClient(time.Second), time.Second)
	res := r.Retrieve(context.Background())
	assert.True(t, errors.Is(res.Err, ErrNetwork))
	assert.Equal(t, StateError, r.State())
}

func TestHTTPRetriever_ReadTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", "1000")
		w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	r := NewHTTPRetriever(srv.URL, srv.Client(), 50*time.Millisecond)
	start := time.Now()
	res := r.Retrieve(context.Background())
	assert.True(t, errors.Is(res.Err, ErrNetwork))
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, StateError, r.State())
}

func TestHTTPRetriever_Interrupted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	r := NewHTTPRetriever(srv.URL, srv.Client(), time.Second)
	res := r.Retrieve(ctx)
	assert.Error(t, res.Err)
	assert.Equal(t, StateInterrupted, r.State())
}

func TestHTTPRetriever_Unzips(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("3_5.png")
	require.NoError(t, err)
	f.Write([]byte("inner"))
	require.NoError(t, zw.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	res := NewHTTPRetriever(srv.URL, srv.Client(), time.Second).Retrieve(context.Background())
	require.True(t, res.Successful(), "%v", res.Err)
	assert.Equal(t, []byte("inner"), res.Body)
	assert.Equal(t, "image/png", res.ContentType)
}

func TestService_NoDuplicateInFlightDownloads(t *testing.T) {
	var hits atomic.Int32
	gate := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-gate
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png"))
	}))
	defer srv.Close()

	s := NewService(Config{PoolSize: 4, QueueSize: 10})
	defer s.Shutdown(true)

	var wg sync.WaitGroup
	var results atomic.Int32
	pp := PostProcessorFunc(func(res *Result) {
		defer wg.Done()
		if res.Successful() {
			results.Add(1)
		}
	})

	url := srv.URL + "/2/3/5.png"
	wg.Add(1)
	require.NoError(t, s.RunRetriever(NewHTTPRetriever(url, srv.Client(), time.Second), 1, pp))
	for i := 0; i < 3; i++ {
		err := s.RunRetriever(NewHTTPRetriever(url, srv.Client(), time.Second), 0, pp)
		assert.ErrorIs(t, err, ErrDuplicate)
	}

	close(gate)
	wg.Wait()
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, int32(1), results.Load())
}

func TestService_Progress(t *testing.T) {
	gate := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.Write(make([]byte, 50))
		w.(http.Flusher).Flush()
		<-gate
		w.Write(make([]byte, 50))
	}))
	defer srv.Close()
	defer close(gate)

	s := NewService(Config{PoolSize: 1, QueueSize: 10})
	defer s.Shutdown(true)
	assert.Equal(t, 0.0, s.Progress())

	r := NewHTTPRetriever(srv.URL, srv.Client(), 5*time.Second)
	require.NoError(t, s.RunRetriever(r, 0, nil))

	assert.Eventually(t, func() bool { return s.Progress() == 50 }, 2*time.Second, 5*time.Millisecond)
}
