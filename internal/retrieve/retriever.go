package retrieve

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zip"
)

const (
	DefaultConnectTimeout = 8 * time.Second
	DefaultReadTimeout    = 5 * time.Second
)

var errReadTimeout = errors.New("read timed out")

// State of a retriever.
type State int32

const (
	StateStarted State = iota
	StateConnecting
	StateReading
	StateSuccessful
	StateError
	StateInterrupted
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateConnecting:
		return "connecting"
	case StateReading:
		return "reading"
	case StateSuccessful:
		return "successful"
	case StateError:
		return "error"
	case StateInterrupted:
		return "interrupted"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Result is what a retriever hands to its post-processor.
type Result struct {
	URL           string
	StatusCode    int
	ContentType   string
	ContentLength int64
	Body          []byte
	Err           error
}

func (r *Result) Successful() bool {
	return r != nil && r.Err == nil
}

// Retriever fetches one resource.
type Retriever interface {
	Name() string
	Retrieve(ctx context.Context) *Result
	State() State
	ContentLength() int64
	ContentLengthRead() int64
}

// PostProcessor consumes a retrieval result, successful or not.
type PostProcessor interface {
	PostProcess(res *Result)
}

type PostProcessorFunc func(res *Result)

func (f PostProcessorFunc) PostProcess(res *Result) { f(res) }

// NewClient returns a client whose dials give up after connectTimeout.
func NewClient(connectTimeout time.Duration) *http.Client {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			MaxIdleConnsPerHost:   DefaultPoolSize * 2,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   connectTimeout,
			ExpectContinueTimeout: time.Second,
		},
	}
}

// HTTPRetriever gets a URL over HTTP. Reads stalling longer than the read timeout abort the transfer.
type HTTPRetriever struct {
	url         string
	client      *http.Client
	readTimeout time.Duration

	state  atomic.Int32
	length atomic.Int64
	read   atomic.Int64
}

func NewHTTPRetriever(url string, client *http.Client, readTimeout time.Duration) *HTTPRetriever {
	if client == nil {
		client = NewClient(DefaultConnectTimeout)
	}
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	r := &HTTPRetriever{url: url, client: client, readTimeout: readTimeout}
	r.state.Store(int32(StateStarted))
	return r
}

func (r *HTTPRetriever) Name() string { return r.url }

func (r *HTTPRetriever) State() State { return State(r.state.Load()) }

func (r *HTTPRetriever) ContentLength() int64 { return r.length.Load() }

func (r *HTTPRetriever) ContentLengthRead() int64 { return r.read.Load() }

func (r *HTTPRetriever) fail(ctx context.Context, res *Result, err error) *Result {
	if ctx.Err() != nil {
		r.state.Store(int32(StateInterrupted))
	} else {
		r.state.Store(int32(StateError))
	}
	res.Err = err
	return res
}

func (r *HTTPRetriever) Retrieve(parent context.Context) *Result {
	res := &Result{URL: r.url}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	r.state.Store(int32(StateConnecting))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return r.fail(parent, res, fmt.Errorf("%w: %w", ErrNetwork, err))
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return r.fail(parent, res, fmt.Errorf("%w: %w", ErrNetwork, err))
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	res.ContentType = resp.Header.Get("Content-Type")
	res.ContentLength = resp.ContentLength
	if resp.ContentLength > 0 {
		r.length.Store(resp.ContentLength)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return r.fail(parent, res, fmt.Errorf("%w: %s", ErrStatus, resp.Status))
	}

	r.state.Store(int32(StateReading))
	body, err := io.ReadAll(&timeoutReader{
		r:       resp.Body,
		timeout: r.readTimeout,
		cancel:  cancel,
		onRead:  func(n int) { r.read.Add(int64(n)) },
	})
	if err != nil {
		return r.fail(parent, res, fmt.Errorf("%w: %w", ErrNetwork, err))
	}

	if strings.Contains(strings.ToLower(res.ContentType), "application/zip") {
		name, data, err := unzipFirstEntry(body)
		if err != nil {
			return r.fail(parent, res, fmt.Errorf("%w: %w", ErrNetwork, err))
		}
		body = data
		if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
			res.ContentType = ct
		} else {
			res.ContentType = http.DetectContentType(data)
		}
	}

	res.Body = body
	if res.ContentLength < 0 {
		res.ContentLength = int64(len(body))
	}
	r.state.Store(int32(StateSuccessful))
	return res
}

// unzipFirstEntry returns the first regular file of a zip archive.
func unzipFirstEntry(data []byte) (string, []byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", nil, err
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", nil, err
		}
		defer rc.Close()
		b, err := io.ReadAll(rc)
		return f.Name, b, err
	}
	return "", nil, errors.New("empty zip archive")
}

// timeoutReader cancels the transfer when a single read takes longer than timeout.
type timeoutReader struct {
	r        io.Reader
	timeout  time.Duration
	cancel   context.CancelFunc
	onRead   func(n int)
	timedOut atomic.Bool
}

func (t *timeoutReader) Read(p []byte) (int, error) {
	timer := time.AfterFunc(t.timeout, func() {
		t.timedOut.Store(true)
		t.cancel()
	})
	n, err := t.r.Read(p)
	timer.Stop()
	if n > 0 && t.onRead != nil {
		t.onRead(n)
	}
	if err != nil && err != io.EOF && t.timedOut.Load() {
		return n, errReadTimeout
	}
	return n, err
}
