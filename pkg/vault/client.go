// Package vault calls the tokenization vault's REST API.
//
// The vault frequently runs with self-signed certificates, so certificate
// verification is skipped unless Options.SkipCertificateVerification is false.
// Every call carries its own Basic credentials, so a shared transport never
// leaks one request's identity into another.
package vault

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"microtoken/pkg/credentials"
	"microtoken/pkg/fields"
	"microtoken/pkg/httpx"
)

const (
	DefaultTimeout = 20 * time.Second
	basePath       = "/vts/rest/v2.0/"
)

var (
	ErrUpstream  = errors.New("vault rejected request")
	ErrTransport = errors.New("vault unreachable")
)

// UpstreamError is any vault response other than 200, or a 200 whose body is
// not JSON.
type UpstreamError struct {
	Status int
	Reason string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("Unexpected server response status %d. Reason: %s", e.Status, e.Reason)
}

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }

type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", ErrTransport, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// Timeout reports whether the call hit the response deadline.
func (e *TransportError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

type Options struct {
	// Host is the vault address, "host[:port]" or a full https:// base URL.
	Host                        string
	Timeout                     time.Duration
	SkipCertificateVerification bool
	// KeepAlive reuses connections across calls; off means one connection per call.
	KeepAlive bool
	// Wrap lets callers instrument the transport.
	Wrap func(*http.Client) *http.Client
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
}

func New(opts Options) (*Client, error) {
	base, err := BaseURL(opts.Host)
	if err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := &http.Client{Transport: NewTransport(opts.SkipCertificateVerification, opts.KeepAlive)}
	if opts.Wrap != nil {
		client = opts.Wrap(client)
	}
	return &Client{httpClient: client, baseURL: base, timeout: timeout}, nil
}

// NewTransport builds the TLS transport shared by vault calls and health probes.
func NewTransport(skipVerify, keepAlive bool) *http.Transport {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: skipVerify, //nolint:gosec // vault certificates are commonly self-signed
	}
	tr.DisableKeepAlives = !keepAlive
	return tr
}

// BaseURL normalises a vault host into an https base URL without trailing slash.
func BaseURL(host string) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", errors.New("vault host required")
	}
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	return strings.TrimRight(host, "/"), nil
}

// OperationPath is the REST path for a vault operation.
func OperationPath(op fields.Operation) string {
	return basePath + op.String()
}

func (c *Client) BaseURL() string { return c.baseURL }

// Call sends body as JSON and returns the vault's 200 body unchanged. Nothing
// is retried.
func (c *Client) Call(ctx context.Context, method, path string, cred credentials.Pair, body any) (json.RawMessage, error) {
	var raw []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode vault body: %w", err)
		}
		raw = b
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := httpx.RequestJSON(callCtx, c.httpClient, method, c.baseURL+path, raw, map[string]string{
		"Authorization": cred.BasicAuth(),
	})
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{Status: resp.StatusCode, Reason: resp.Reason}
	}
	if !json.Valid(resp.Body) {
		return nil, &UpstreamError{Status: resp.StatusCode, Reason: "response body is not valid JSON"}
	}
	return json.RawMessage(resp.Body), nil
}
