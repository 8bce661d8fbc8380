package s3

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// NewMockForTests returns a provider backed by an in-memory fake HTTP
// transport. It implements the ListObjectsV2, Get, Put and Delete calls the
// document tables issue.
func NewMockForTests() *Provider {
	p, _ := newMock()
	return p
}

func newMock() (*Provider, *mockRoundTripper) {
	rt := &mockRoundTripper{state: make(map[string][]byte)}
	cfg, _ := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: rt}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("https://mock.s3.local")
	})
	return newProvider(client, Config{Bucket: "mock-bucket"}), rt
}

type mockRoundTripper struct {
	mu    sync.Mutex
	state map[string][]byte
	// denyPutContaining rejects PUTs whose object key contains the substring.
	denyPutContaining string
	lists             int
}

func (m *mockRoundTripper) objects() map[string][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.state))
	for k, v := range m.state {
		out[k] = v
	}
	return out
}

func (m *mockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) { //nolint:cyclop
	m.mu.Lock()
	defer m.mu.Unlock()
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	if req.Method == http.MethodGet && strings.Contains(req.URL.RawQuery, "list-type=2") {
		m.lists++
		prefix := req.URL.Query().Get("prefix")
		var keys []string
		for k := range m.state {
			if prefix == "" || strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString("<?xml version=\"1.0\"?><ListBucketResult><IsTruncated>false</IsTruncated>")
		for _, k := range keys {
			b.WriteString("<Contents><Key>")
			_ = xml.EscapeText(&b, []byte(k))
			b.WriteString("</Key><Size>")
			b.WriteString(fmt.Sprintf("%d", len(m.state[k])))
			b.WriteString("</Size><LastModified>2024-01-01T00:00:00Z</LastModified></Contents>")
		}
		b.WriteString("</ListBucketResult>")
		return respond(http.StatusOK, []byte(b.String()), http.Header{"Content-Type": {"application/xml"}}), nil
	}
	switch req.Method {
	case http.MethodPut:
		if m.denyPutContaining != "" && strings.Contains(key, m.denyPutContaining) {
			body := "<?xml version=\"1.0\"?><Error><Code>AccessDenied</Code><Message>denied</Message></Error>"
			return respond(http.StatusForbidden, []byte(body), http.Header{"Content-Type": {"application/xml"}}), nil
		}
		body, _ := io.ReadAll(req.Body)
		if dec, ok := decodeChunkedLite(body); ok { // handle aws-chunked encoding
			body = dec
		}
		m.state[key] = body
		return respond(http.StatusOK, nil, http.Header{"ETag": {"\"etag\""}}), nil
	case http.MethodGet:
		if body, ok := m.state[key]; ok {
			return respond(http.StatusOK, body, http.Header{
				"Content-Length": {fmt.Sprintf("%d", len(body))},
				"Content-Type":   {"application/json"},
				"Last-Modified":  {time.Now().UTC().Format(http.TimeFormat)},
				"ETag":           {"\"etag\""},
			}), nil
		}
		return respond(http.StatusNotFound, nil, http.Header{}), nil
	case http.MethodDelete:
		delete(m.state, key)
		return respond(http.StatusNoContent, nil, http.Header{}), nil
	}
	return respond(http.StatusNotImplemented, nil, http.Header{}), nil
}

func respond(status int, body []byte, header http.Header) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewReader(body)), Header: header}
}

// decodeChunkedLite decodes a minimal single-chunk aws-chunked style payload: <hex>\r\n<body>\r\n0\r\n...
func decodeChunkedLite(b []byte) ([]byte, bool) {
	parts := strings.Split(string(b), "\r\n")
	if len(parts) < 3 {
		return nil, false
	}
	sz, err := parseHex(parts[0])
	if err != nil || int64(len(parts[1])) != sz || parts[2] != "0" {
		return nil, false
	}
	return []byte(parts[1]), true
}

func parseHex(h string) (int64, error) {
	var v int64
	for _, c := range h {
		v <<= 4
		switch {
		case c >= '0' && c <= '9':
			v += int64(c - '0')
		case c >= 'a' && c <= 'f':
			v += int64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			v += int64(c-'A') + 10
		default:
			return 0, fmt.Errorf("invalid hex")
		}
	}
	return v, nil
}
