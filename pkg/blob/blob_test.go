package blob

import (
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

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
)

// exerciseStore runs the behaviour every driver shares.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	info, err := s.Put(ctx, "documents/a/deck.txt", strings.NewReader("hello world"), PutOptions{
		ContentType: "text/plain",
		Metadata:    map[string]string{"company": "acme"},
	})
	require.NoError(t, err)
	assert.Equal(t, "documents/a/deck.txt", info.Key)
	assert.Equal(t, int64(11), info.Size)

	_, err = s.Put(ctx, "documents/a/deck.txt", strings.NewReader("again"), PutOptions{})
	assert.True(t, vcerrors.IsAlreadyExists(err))

	got, rc, err := s.Get(ctx, "documents/a/deck.txt")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "hello world", string(body))
	assert.Equal(t, "text/plain", got.ContentType)

	head, err := s.Head(ctx, "documents/a/deck.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(11), head.Size)

	_, err = s.Put(ctx, "documents/b/notes.csv", strings.NewReader("a,b\n1,2\n"), PutOptions{ContentType: "text/csv"})
	require.NoError(t, err)
	_, err = s.Put(ctx, "other/x.bin", bytes.NewReader([]byte{1, 2, 3}), PutOptions{})
	require.NoError(t, err)

	list, err := s.List(ctx, "documents/")
	require.NoError(t, err)
	keys := make([]string, 0, len(list))
	for _, i := range list {
		keys = append(keys, i.Key)
	}
	assert.Equal(t, []string{"documents/a/deck.txt", "documents/b/notes.csv"}, keys)

	_, _, err = s.Get(ctx, "documents/missing.txt")
	assert.True(t, vcerrors.IsNotFound(err))
	_, err = s.Head(ctx, "documents/missing.txt")
	assert.True(t, vcerrors.IsNotFound(err))

	deleted, err := s.Delete(ctx, "documents/a/deck.txt")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = s.Delete(ctx, "documents/a/deck.txt")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = s.Put(ctx, "../escape.txt", strings.NewReader("x"), PutOptions{})
	assert.True(t, vcerrors.IsValidation(err))
}

func TestMemoryStore(t *testing.T) {
	s := NewMemory()
	exerciseStore(t, s)

	_, err := s.PresignURL(context.Background(), "documents/b/notes.csv", time.Minute)
	assert.True(t, vcerrors.IsUnavailable(err))
}

func TestFSStore(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)
	exerciseStore(t, s)
	assert.Equal(t, DriverFS, s.Driver())
}

func TestS3Store(t *testing.T) {
	s, err := NewS3(context.Background(), Config{
		Bucket:          "vcm-test",
		Region:          "us-east-1",
		Endpoint:        "https://mock.s3.local",
		PathStyle:       true,
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
	}, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: newFakeS3()}
	})
	require.NoError(t, err)
	exerciseStore(t, s)

	url, err := s.PresignURL(context.Background(), "documents/b/notes.csv", 5*time.Minute)
	require.NoError(t, err)
	assert.Contains(t, url, "documents/b/notes.csv")
	assert.Contains(t, url, "X-Amz-Signature")
}

func TestCleanKey(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"documents/a/deck.pdf", "documents/a/deck.pdf", false},
		{"documents//a/./deck.pdf", "documents/a/deck.pdf", false},
		{"", "", true},
		{"/etc/passwd", "", true},
		{"a/../../b", "", true},
		{`a\b`, "", true},
		{"a/b.meta", "", true},
	}
	for _, tt := range tests {
		got, err := CleanKey(tt.in)
		if tt.wantErr {
			assert.True(t, vcerrors.IsValidation(err), tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Config{Driver: DriverMemory})
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, s.Driver())

	s, err = Open(ctx, Config{Driver: DriverFS, Root: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, DriverFS, s.Driver())

	_, err = Open(ctx, Config{Driver: DriverS3})
	assert.True(t, vcerrors.IsValidation(err))
	_, err = Open(ctx, Config{Driver: "gcs"})
	assert.True(t, vcerrors.IsValidation(err))
}

// fakeS3 answers the subset of the S3 REST API the store uses.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
}

type fakeObject struct {
	body        []byte
	contentType string
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string]fakeObject{}} }

func response(status int, body []byte, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewReader(body)), Header: header, ContentLength: int64(len(body))}
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Path style: /bucket/key
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}

	if req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2" {
		prefix := req.URL.Query().Get("prefix")
		var keys []string
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult><IsTruncated>false</IsTruncated>`)
		for _, k := range keys {
			fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><LastModified>2026-01-01T00:00:00Z</LastModified></Contents>", k, len(f.objects[k].body))
		}
		b.WriteString("</ListBucketResult>")
		return response(http.StatusOK, []byte(b.String()), http.Header{"Content-Type": {"application/xml"}}), nil
	}

	obj, exists := f.objects[key]
	objectHeader := func() http.Header {
		return http.Header{
			"Content-Length": {strconv.Itoa(len(obj.body))},
			"Content-Type":   {obj.contentType},
			"Etag":           {`"etag"`},
			"Last-Modified":  {time.Now().UTC().Format(http.TimeFormat)},
		}
	}

	switch req.Method {
	case http.MethodHead:
		if !exists {
			return response(http.StatusNotFound, nil, nil), nil
		}
		return response(http.StatusOK, nil, objectHeader()), nil
	case http.MethodGet:
		if !exists {
			return response(http.StatusNotFound, []byte(`<Error><Code>NoSuchKey</Code></Error>`), nil), nil
		}
		return response(http.StatusOK, obj.body, objectHeader()), nil
	case http.MethodPut:
		body, _ := io.ReadAll(req.Body)
		if req.Header.Get("X-Amz-Decoded-Content-Length") != "" {
			body = decodeAWSChunked(body)
		}
		f.objects[key] = fakeObject{body: body, contentType: req.Header.Get("Content-Type")}
		return response(http.StatusOK, nil, http.Header{"Etag": {`"etag"`}}), nil
	case http.MethodDelete:
		delete(f.objects, key)
		return response(http.StatusNoContent, nil, nil), nil
	}
	return response(http.StatusNotImplemented, nil, nil), nil
}

// decodeAWSChunked strips aws-chunked framing: "<hex>[;ext]\r\n<data>\r\n" ... "0\r\n<trailers>".
func decodeAWSChunked(b []byte) []byte {
	var out []byte
	for len(b) > 0 {
		i := bytes.Index(b, []byte("\r\n"))
		if i < 0 {
			break
		}
		sizeField := string(b[:i])
		if j := strings.IndexByte(sizeField, ';'); j >= 0 {
			sizeField = sizeField[:j]
		}
		n, err := strconv.ParseInt(sizeField, 16, 64)
		if err != nil || n == 0 {
			break
		}
		b = b[i+2:]
		if int64(len(b)) < n {
			break
		}
		out = append(out, b[:n]...)
		b = bytes.TrimPrefix(b[n:], []byte("\r\n"))
	}
	return out
}
