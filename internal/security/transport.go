package security

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// maxInspectedBody bounds how much of a request body the guard reads.
const maxInspectedBody = 1 << 20

// ErrCiphertextOutbound is returned when a request would carry an envelope.
var ErrCiphertextOutbound = errors.New("security: refusing to send ciphertext envelope on outbound request")

// OutboundGuard wraps a RoundTripper and blocks any request whose headers,
// query string or body contain an envelope tag. It is the last line behind
// the token pipeline's own checks: a stored ciphertext must never reach the
// marketplace, where it would surface as an unexplained 401.
type OutboundGuard struct {
	Base http.RoundTripper
}

// NewOutboundGuard wraps base; a nil base uses http.DefaultTransport.
func NewOutboundGuard(base http.RoundTripper) *OutboundGuard {
	if base == nil {
		base = http.DefaultTransport
	}
	return &OutboundGuard{Base: base}
}

// NewGuardedHTTPClient returns an http.Client whose transport is an
// OutboundGuard over a clone of the default transport.
func NewGuardedHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: NewOutboundGuard(http.DefaultTransport.(*http.Transport).Clone()),
	}
}

// RoundTrip implements http.RoundTripper. The caller's request is never
// modified; a body without GetBody is buffered onto a clone.
func (g *OutboundGuard) RoundTrip(req *http.Request) (*http.Response, error) {
	out, err := replayable(req)
	if err != nil {
		return nil, err
	}
	if err := inspectRequest(out); err != nil {
		if out.Body != nil {
			out.Body.Close()
		}
		return nil, err
	}
	return g.Base.RoundTrip(out)
}

// replayable returns req when its body can be re-read, or a clone carrying a
// buffered copy of the body. The original body is closed once consumed.
func replayable(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return req, nil
	}
	buf, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("security: read request body: %w", err)
	}
	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(buf))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(buf)), nil
	}
	out.ContentLength = int64(len(buf))
	return out, nil
}

func inspectRequest(req *http.Request) error {
	for name, values := range req.Header {
		for _, v := range values {
			if ContainsCiphertext(v) {
				return fmt.Errorf("%w: header %s", ErrCiphertextOutbound, name)
			}
		}
	}

	if req.URL != nil && req.URL.RawQuery != "" {
		if containsEncoded(req.URL.RawQuery) {
			return fmt.Errorf("%w: query string", ErrCiphertextOutbound)
		}
	}

	body, err := peekBody(req)
	if err != nil {
		return err
	}
	if len(body) > 0 && containsEncoded(string(body)) {
		return fmt.Errorf("%w: request body", ErrCiphertextOutbound)
	}
	return nil
}

// containsEncoded checks s both raw and form-decoded, since ':' travels as
// %3A in form bodies and query strings.
func containsEncoded(s string) bool {
	if ContainsCiphertext(s) {
		return true
	}
	decoded, err := url.QueryUnescape(s)
	return err == nil && ContainsCiphertext(decoded)
}

// peekBody returns up to maxInspectedBody bytes of the request body through
// GetBody, leaving req.Body unread.
func peekBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody == nil {
		return nil, nil
	}
	rc, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("security: read request body: %w", err)
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, maxInspectedBody))
}
