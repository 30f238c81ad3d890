// Package httputil holds the JSON response helpers shared by the HTTP
// handlers and an HTTP client seam for code that calls a localizer.
package httputil

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// HTTPClient is the subset of *http.Client the localizer clients use.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
	Post(url, contentType string, body io.Reader) (*http.Response, error)
}

// DefaultTimeout bounds each request made by NewStandardClient's client.
const DefaultTimeout = 5 * time.Second

// NewStandardClient returns an *http.Client with the given timeout, or
// DefaultTimeout when timeout is zero.
func NewStandardClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// MockHTTPClient records requests and replays queued responses.
type MockHTTPClient struct {
	// DoFunc, when set, handles every request instead of the queue.
	DoFunc func(req *http.Request) (*http.Response, error)

	mu        sync.Mutex
	requests  []*http.Request
	responses []mockResponse
}

type mockResponse struct {
	status int
	body   string
	err    error
}

func NewMockHTTPClient() *MockHTTPClient {
	return &MockHTTPClient{}
}

// AddResponse queues a response for the next unanswered request.
func (m *MockHTTPClient) AddResponse(status int, body string) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, mockResponse{status: status, body: body})
	return m
}

// AddErrorResponse queues a transport error.
func (m *MockHTTPClient) AddErrorResponse(err error) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, mockResponse{err: err})
	return m
}

// Do records req and answers with DoFunc, the next queued response, or an
// empty 200 once the queue is exhausted.
func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	fn := m.DoFunc
	next := mockResponse{status: http.StatusOK}
	if fn == nil && len(m.responses) > 0 {
		next = m.responses[0]
		m.responses = m.responses[1:]
	}
	m.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	if next.err != nil {
		return nil, next.err
	}
	return &http.Response{
		StatusCode: next.status,
		Status:     fmt.Sprintf("%d %s", next.status, http.StatusText(next.status)),
		Body:       io.NopCloser(bytes.NewBufferString(next.body)),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

func (m *MockHTTPClient) Post(url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return m.Do(req)
}

// Request returns the nth recorded request, or nil.
func (m *MockHTTPClient) Request(n int) *http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 0 || n >= len(m.requests) {
		return nil
	}
	return m.requests[n]
}

func (m *MockHTTPClient) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}
