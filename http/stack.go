// Package http provides the default fetch.HTTPStack backed by net/http.
package http

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"

	"github.com/meigma/tessera/fetch"
)

// DefaultMaxRedirects is the number of redirect hops followed by default.
const DefaultMaxRedirects = 5

// ErrTooManyRedirects is returned when a response redirects more than the
// configured number of hops.
var ErrTooManyRedirects = errors.New("http: too many redirects")

// Stack implements fetch.HTTPStack with a net/http client.
type Stack struct {
	client       *nethttp.Client
	headers      nethttp.Header
	maxRedirects int
}

// Interface compliance.
var _ fetch.HTTPStack = (*Stack)(nil)

// Option configures a Stack.
type Option func(*Stack)

// WithClient sets the HTTP client used for requests. The client is copied;
// its redirect policy is replaced by the stack's.
func WithClient(client *nethttp.Client) Option {
	return func(s *Stack) {
		s.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(s *Stack) {
		if headers == nil {
			return
		}
		s.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(s *Stack) {
		if s.headers == nil {
			s.headers = make(nethttp.Header)
		}
		s.headers.Set(key, value)
	}
}

// WithMaxRedirects sets the number of redirect hops to follow. Zero disables
// redirects.
func WithMaxRedirects(n int) Option {
	return func(s *Stack) {
		s.maxRedirects = n
	}
}

// NewStack creates a Stack.
func NewStack(opts ...Option) *Stack {
	s := &Stack{
		client:       nethttp.DefaultClient,
		maxRedirects: DefaultMaxRedirects,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = nethttp.DefaultClient
	}
	client := *s.client
	client.CheckRedirect = s.checkRedirect
	s.client = &client
	return s
}

func (s *Stack) checkRedirect(req *nethttp.Request, via []*nethttp.Request) error {
	if len(via) > s.maxRedirects {
		return fmt.Errorf("%w: stopped after %d hops to %s", ErrTooManyRedirects, s.maxRedirects, req.URL.Redacted())
	}
	return nil
}

// GetResponse performs a GET request. The caller closes the response body.
func (s *Stack) GetResponse(ctx context.Context, url string, headers nethttp.Header) (*fetch.Response, error) {
	req, err := s.newRequest(ctx, url, headers)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	return &fetch.Response{
		Code:          resp.StatusCode,
		Header:        resp.Header,
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
	}, nil
}

func (s *Stack) newRequest(ctx context.Context, url string, headers nethttp.Header) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for key, values := range s.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	for key, values := range headers {
		req.Header.Del(key)
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	// Transparent decompression would hide the declared length.
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}
	return req, nil
}
