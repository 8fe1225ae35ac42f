package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// Response is a fully read upstream response.
type Response struct {
	StatusCode int
	Reason     string
	Body       []byte
}

// RequestJSON performs exactly one HTTP request and reads the whole body.
// The body is always closed. Callers own retry policy; upstreams here are not
// safe to replay blindly.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) (Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return Response{}, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, err
	}
	return Response{
		StatusCode: resp.StatusCode,
		Reason:     ReasonPhrase(resp),
		Body:       respBody,
	}, nil
}

// ReasonPhrase returns the status line text after the code, falling back to
// the standard text for the code.
func ReasonPhrase(resp *http.Response) string {
	code := strconv.Itoa(resp.StatusCode)
	reason := strings.TrimSpace(strings.TrimPrefix(resp.Status, code))
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	return reason
}
