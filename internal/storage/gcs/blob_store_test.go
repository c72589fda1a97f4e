package gcs

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	buf      bytes.Buffer
	closed   bool
	closeErr error
}

func (w *fakeWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *fakeWriter) Close() error {
	w.closed = true
	return w.closeErr
}

type recorder struct {
	objects map[string]*fakeWriter
	attrs   map[string]storage.ObjectAttrs
	err     error
}

func (r *recorder) factory(_ context.Context, object string, attrs storage.ObjectAttrs) objectWriter {
	w := &fakeWriter{closeErr: r.err}
	r.objects[object] = w
	r.attrs[object] = attrs
	return w
}

func newRecorder() *recorder {
	return &recorder{objects: map[string]*fakeWriter{}, attrs: map[string]storage.ObjectAttrs{}}
}

func TestPutObjectWritesPrefixedObject(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	store, err := newBlobStore(Config{Bucket: "audits", Prefix: "/site-audit/", CacheControl: "no-cache"}, rec.factory)
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "reports/job-1/abc.json", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)

	assert.Equal(t, "gs://audits/site-audit/reports/job-1/abc.json", uri)
	w := rec.objects["site-audit/reports/job-1/abc.json"]
	require.NotNil(t, w)
	assert.True(t, w.closed)
	assert.Equal(t, "{}", w.buf.String())
	attrs := rec.attrs["site-audit/reports/job-1/abc.json"]
	assert.Equal(t, "application/json", attrs.ContentType)
	assert.Equal(t, "no-cache", attrs.CacheControl)
}

func TestPutObjectCloseError(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	rec.err = errors.New("precondition failed")
	store, err := newBlobStore(Config{Bucket: "audits"}, rec.factory)
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "r.json", "application/json", strings.NewReader("x"))
	require.ErrorContains(t, err, "close writer: precondition failed")
}

func TestValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	_, err = newBlobStore(Config{}, newRecorder().factory)
	require.Error(t, err)

	store, err := newBlobStore(Config{Bucket: "b"}, newRecorder().factory)
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), "  ", "", strings.NewReader(""))
	require.Error(t, err)
}
