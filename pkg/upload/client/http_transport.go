package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/tigrisdata/tigrisup/log"
	"github.com/tigrisdata/tigrisup/pkg/upload/protocol"
)

// errorBodyLimit caps how much of a failed response ends up in the error.
const errorBodyLimit = 512

type idempotentKey struct{}

// HTTPTransport speaks the upload protocol to a server over HTTP. Only HEAD
// requests are retried at this layer; the Session owns retries for
// everything that changes server state.
type HTTPTransport struct {
	endpoint *url.URL
	client   *retryablehttp.Client
	headers  http.Header
}

// HTTPOption customises an HTTPTransport.
type HTTPOption func(*HTTPTransport)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(t *HTTPTransport) {
		t.client.HTTPClient = c
	}
}

// WithHeader adds a header to every request, e.g. Authorization.
func WithHeader(key, value string) HTTPOption {
	return func(t *HTTPTransport) {
		t.headers.Add(key, value)
	}
}

// WithHeadRetries sets how often a failed HEAD is retried before the error
// reaches the Session.
func WithHeadRetries(n int, waitMin, waitMax time.Duration) HTTPOption {
	return func(t *HTTPTransport) {
		t.client.RetryMax = n
		t.client.RetryWaitMin = waitMin
		t.client.RetryWaitMax = waitMax
	}
}

// NewHTTPTransport returns a transport for the upload collection at
// endpoint, e.g. http://localhost:8080/files.
func NewHTTPTransport(endpoint string, opts ...HTTPOption) (*HTTPTransport, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")

	c := retryablehttp.NewClient()
	c.Logger = leveledLogger{log.GetLogger("http-client")}
	c.RetryMax = 3
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.CheckRetry = checkRetry
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler

	t := &HTTPTransport{endpoint: u, client: c, headers: http.Header{}}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if idempotent, _ := ctx.Value(idempotentKey{}).(bool); !idempotent {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

func (t *HTTPTransport) Create(ctx context.Context, size int64, metadata map[string]string) (string, error) {
	req, err := t.newRequest(ctx, http.MethodPost, t.endpoint.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set(protocol.HeaderUploadLength, protocol.FormatLength(size))
	if md := protocol.EncodeMetadata(metadata); md != "" {
		req.Header.Set(protocol.HeaderUploadMetadata, md)
	}

	resp, err := t.do(req)
	if err != nil {
		return "", err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusCreated {
		return "", responseError(resp)
	}

	loc := resp.Header.Get(protocol.HeaderLocation)
	if loc == "" {
		return "", protocol.Errorf(protocol.CategoryInvalid, "create response has no %s header", protocol.HeaderLocation)
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return "", protocol.Errorf(protocol.CategoryInvalid, "bad %s header %q: %w", protocol.HeaderLocation, loc, err)
	}
	return t.endpoint.ResolveReference(ref).String(), nil
}

func (t *HTTPTransport) Patch(ctx context.Context, location string, offset int64, chunk []byte) (int64, error) {
	req, err := t.newRequest(ctx, http.MethodPatch, location, chunk)
	if err != nil {
		return 0, err
	}
	req.Header.Set(protocol.HeaderContentType, protocol.ContentTypeOffset)
	req.Header.Set(protocol.HeaderUploadOffset, protocol.FormatLength(offset))
	req.Header.Set(protocol.HeaderUploadChecksum, protocol.Checksum(chunk))

	resp, err := t.do(req)
	if err != nil {
		return 0, err
	}
	defer drain(resp)

	v := resp.Header.Get(protocol.HeaderUploadOffset)
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		// A failed patch may still report bytes that were made durable.
		received, perr := protocol.ParseLength(protocol.HeaderUploadOffset, v)
		if perr != nil {
			received = 0
		}
		return received, responseError(resp)
	}
	return protocol.ParseLength(protocol.HeaderUploadOffset, v)
}

func (t *HTTPTransport) Head(ctx context.Context, location string) (RemoteStatus, error) {
	ctx = context.WithValue(ctx, idempotentKey{}, true)
	req, err := t.newRequest(ctx, http.MethodHead, location, nil)
	if err != nil {
		return RemoteStatus{}, err
	}
	resp, err := t.do(req)
	if err != nil {
		return RemoteStatus{}, err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return RemoteStatus{}, responseError(resp)
	}

	hdr := resp.Header
	var st RemoteStatus
	if st.ReceivedLength, err = protocol.ParseLength(protocol.HeaderUploadOffset, hdr.Get(protocol.HeaderUploadOffset)); err != nil {
		return RemoteStatus{}, err
	}
	if st.DeclaredSize, err = protocol.ParseLength(protocol.HeaderUploadLength, hdr.Get(protocol.HeaderUploadLength)); err != nil {
		return RemoteStatus{}, err
	}
	if st.Metadata, err = protocol.ParseMetadata(hdr.Get(protocol.HeaderUploadMetadata)); err != nil {
		return RemoteStatus{}, err
	}
	st.Completed = protocol.ParseBool(hdr.Get(protocol.HeaderUploadComplete))
	st.ExpiresAt = protocol.ParseExpires(hdr.Get(protocol.HeaderUploadExpires))
	return st, nil
}

func (t *HTTPTransport) Finalize(ctx context.Context, location string) error {
	return t.expectNoContent(ctx, http.MethodPost, strings.TrimSuffix(location, "/")+"/finalize")
}

func (t *HTTPTransport) Delete(ctx context.Context, location string) error {
	return t.expectNoContent(ctx, http.MethodDelete, location)
}

func (t *HTTPTransport) expectNoContent(ctx context.Context, method, target string) error {
	req, err := t.newRequest(ctx, method, target, nil)
	if err != nil {
		return err
	}
	resp, err := t.do(req)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	return nil
}

func (t *HTTPTransport) newRequest(ctx context.Context, method, target string, body []byte) (*retryablehttp.Request, error) {
	var raw any
	if body != nil {
		raw = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, raw)
	if err != nil {
		return nil, protocol.Errorf(protocol.CategoryInvalid, "build %s %s: %w", method, target, err)
	}
	for k, vs := range t.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set(protocol.HeaderResumable, protocol.Version)
	return req, nil
}

func (t *HTTPTransport) do(req *retryablehttp.Request) (*http.Response, error) {
	resp, err := t.client.Do(req)
	if err == nil {
		return resp, nil
	}
	if ctxErr := req.Context().Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	return nil, protocol.Wrap(protocol.CategoryUnavailable, fmt.Errorf("%s %s: %w", req.Method, req.URL, err))
}

func responseError(resp *http.Response) error {
	cat := protocol.CategoryFromResponse(resp.StatusCode, resp.Header.Get(protocol.HeaderUploadError))
	if cat == "" {
		cat = protocol.CategoryInvalid
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return protocol.Errorf(cat, "%s %s: %d %s", resp.Request.Method, resp.Request.URL, resp.StatusCode, msg)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, errorBodyLimit))
	_ = resp.Body.Close()
}

// leveledLogger feeds retryablehttp's key/value logging into zerolog.
type leveledLogger struct {
	handle *log.LogHandle
}

func (l leveledLogger) Error(msg string, kv ...any) {
	l.handle.Error().Fields(kv).Msg(msg)
}

func (l leveledLogger) Info(msg string, kv ...any) {
	l.handle.Debug().Fields(kv).Msg(msg)
}

func (l leveledLogger) Debug(msg string, kv ...any) {
	l.handle.Trace().Fields(kv).Msg(msg)
}

func (l leveledLogger) Warn(msg string, kv ...any) {
	l.handle.Warn().Fields(kv).Msg(msg)
}
