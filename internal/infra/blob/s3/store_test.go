package s3

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"coopledger/internal/blob/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 serves the subset of the S3 REST API the store uses, path-style.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string]fakeObject
	pageSize int
}

type fakeObject struct {
	body        []byte
	contentType string
	meta        http.Header
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string]fakeObject), pageSize: 2} }

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	query := req.URL.Query()
	if req.Method == http.MethodGet && query.Get("list-type") == "2" {
		return f.list(query.Get("prefix"), query.Get("continuation-token")), nil
	}
	switch req.Method {
	case http.MethodPut:
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		if strings.Contains(req.Header.Get("Content-Encoding"), "aws-chunked") {
			if body, err = decodeAWSChunked(body); err != nil {
				return nil, err
			}
		}
		if _, exists := f.objects[key]; exists && req.Header.Get("If-None-Match") == "*" {
			return xmlError(http.StatusPreconditionFailed, "PreconditionFailed"), nil
		}
		meta := http.Header{}
		for name, values := range req.Header {
			if strings.HasPrefix(strings.ToLower(name), "x-amz-meta-") {
				meta[name] = values
			}
		}
		f.objects[key] = fakeObject{body: body, contentType: req.Header.Get("Content-Type"), meta: meta}
		return response(http.StatusOK, nil, http.Header{"ETag": {`"etag"`}}), nil
	case http.MethodHead, http.MethodGet:
		obj, ok := f.objects[key]
		if !ok {
			if req.Method == http.MethodHead {
				return response(http.StatusNotFound, nil, http.Header{}), nil
			}
			return xmlError(http.StatusNotFound, "NoSuchKey"), nil
		}
		header := obj.meta.Clone()
		header.Set("Content-Length", strconv.Itoa(len(obj.body)))
		header.Set("Content-Type", obj.contentType)
		header.Set("Last-Modified", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC).Format(http.TimeFormat))
		var body []byte
		if req.Method == http.MethodGet {
			body = obj.body
		}
		return response(http.StatusOK, body, header), nil
	case http.MethodDelete:
		delete(f.objects, key)
		return response(http.StatusNoContent, nil, http.Header{}), nil
	}
	return response(http.StatusNotImplemented, nil, http.Header{}), nil
}

func (f *fakeS3) list(prefix, token string) *http.Response {
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	start, _ := strconv.Atoi(token)
	end := start + f.pageSize
	truncated := end < len(keys)
	if !truncated {
		end = len(keys)
	}
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult>`)
	fmt.Fprintf(&b, "<IsTruncated>%t</IsTruncated>", truncated)
	if truncated {
		fmt.Fprintf(&b, "<NextContinuationToken>%d</NextContinuationToken>", end)
	}
	for _, k := range keys[start:end] {
		fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><LastModified>2025-03-01T00:00:00Z</LastModified></Contents>", k, len(f.objects[k].body))
	}
	b.WriteString("</ListBucketResult>")
	return response(http.StatusOK, []byte(b.String()), http.Header{"Content-Type": {"application/xml"}})
}

func response(status int, body []byte, header http.Header) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewReader(body)), Header: header, ContentLength: int64(len(body))}
}

func xmlError(status int, code string) *http.Response {
	body := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message></Error>`, code, code)
	return response(status, []byte(body), http.Header{"Content-Type": {"application/xml"}})
}

// decodeAWSChunked strips aws-chunked framing and any trailing checksum headers.
func decodeAWSChunked(b []byte) ([]byte, error) {
	r := bufio.NewReader(bytes.NewReader(b))
	var out bytes.Buffer
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("chunk header: %w", err)
		}
		sizeHex := strings.TrimSpace(strings.SplitN(line, ";", 2)[0])
		n, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return out.Bytes(), nil
		}
		if _, err := io.CopyN(&out, r, n); err != nil {
			return nil, err
		}
		if _, err := r.ReadString('\n'); err != nil {
			return nil, err
		}
	}
}

func newFakeStore(t *testing.T) (*Store, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	s, err := New(context.Background(), Config{
		Bucket:          "statements",
		Region:          "eu-west-1",
		Endpoint:        "https://s3.test.local",
		PathStyle:       true,
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		HTTPClient:      &http.Client{Transport: fake},
	})
	require.NoError(t, err)
	return s, fake
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newFakeStore(t)
	assert.Equal(t, core.DriverS3, s.Driver())
	assert.Equal(t, "statements", s.Bucket())

	obj, err := s.Put(ctx, "coop/1/statement.json", strings.NewReader(`{"id":1}`), core.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"cooperative": "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(8), obj.Size)
	assert.Equal(t, "application/json", obj.ContentType)
	assert.Len(t, obj.Checksum, 64)
	assert.Equal(t, map[string]string{"cooperative": "1"}, obj.Metadata)

	got, rc, err := s.Get(ctx, "coop/1/statement.json")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, `{"id":1}`, string(body))
	assert.Equal(t, obj.Checksum, got.Checksum)

	_, err = s.Put(ctx, "coop/1/statement.json", strings.NewReader("again"), core.PutOptions{})
	require.ErrorIs(t, err, core.ErrExists)
}

func TestStoreNotFound(t *testing.T) {
	ctx := context.Background()
	s, _ := newFakeStore(t)
	_, err := s.Head(ctx, "missing")
	require.ErrorIs(t, err, core.ErrNotFound)
	_, _, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, core.ErrNotFound)
	existed, err := s.Delete(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, existed)
	_, err = s.Put(ctx, "../x", strings.NewReader("x"), core.PutOptions{})
	require.ErrorIs(t, err, core.ErrInvalidKey)
}

func TestStoreListPaginatesAndDeletes(t *testing.T) {
	ctx := context.Background()
	s, fake := newFakeStore(t)
	for _, key := range []string{"coop/2/c", "coop/1/b", "coop/1/a", "coop/1/d", "other"} {
		_, err := s.Put(ctx, key, strings.NewReader(key), core.PutOptions{})
		require.NoError(t, err)
	}
	list, err := s.List(ctx, "coop/1/")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"coop/1/a", "coop/1/b", "coop/1/d"}, []string{list[0].Key, list[1].Key, list[2].Key})

	existed, err := s.Delete(ctx, "coop/1/a")
	require.NoError(t, err)
	assert.True(t, existed)
	fake.mu.Lock()
	_, still := fake.objects["coop/1/a"]
	fake.mu.Unlock()
	assert.False(t, still)
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

func TestDecodeAWSChunked(t *testing.T) {
	body, err := decodeAWSChunked([]byte("5\r\nhello\r\n3\r\n, x\r\n0\r\nx-amz-checksum-crc32:AAAA\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "hello, x", string(body))
	_, err = decodeAWSChunked([]byte("zz\r\n"))
	require.Error(t, err)
}
