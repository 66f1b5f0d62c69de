package wsproxy

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssetWaitBlocksUntilResolved(t *testing.T) {
	a := newAsset()
	got := make(chan string, 2)
	for range 2 {
		go func() {
			body, err := a.wait(context.Background())
			assert.NoError(t, err)
			got <- body
		}()
	}

	select {
	case <-got:
		t.Fatal("wait returned before the asset was resolved")
	case <-time.After(20 * time.Millisecond):
	}

	a.resolve("body", nil)
	for range 2 {
		select {
		case body := <-got:
			assert.Equal(t, "body", body)
		case <-time.After(time.Second):
			t.Fatal("wait did not return after resolve")
		}
	}
}

func TestAssetWaitCancelled(t *testing.T) {
	a := newAsset()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAssetLoadError(t *testing.T) {
	a := newAsset()
	a.resolve("", errors.New("boom"))
	_, err := a.wait(context.Background())
	assert.EqualError(t, err, "boom")
}

func TestLoadAssets(t *testing.T) {
	s := loadAssets(writeAssets(t), genLogger())

	for _, name := range []string{CoreScriptName, EntryScriptName, EntryPageName} {
		a, ok := s.lookup(name)
		require.True(t, ok, name)
		body, err := a.wait(context.Background())
		require.NoError(t, err, name)
		assert.NotEmpty(t, body, name)
	}

	_, ok := s.lookup("other.js")
	assert.False(t, ok)
}

func TestCopyChunked(t *testing.T) {
	src := bytes.Repeat([]byte("0123456789"), 1000)
	var dst bytes.Buffer

	written, readErr, writeErr := copyChunked(&dst, bytes.NewReader(src), streamChunkSize)
	require.NoError(t, readErr)
	require.NoError(t, writeErr)
	assert.Equal(t, int64(len(src)), written)
	assert.Equal(t, src, dst.Bytes())
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("viewer gone")
}

func TestCopyChunkedWriteError(t *testing.T) {
	_, readErr, writeErr := copyChunked(failingWriter{}, bytes.NewReader([]byte("data")), streamChunkSize)
	assert.NoError(t, readErr)
	assert.EqualError(t, writeErr, "viewer gone")
}

func TestFlushWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	fw := newFlushWriter(rec)
	_, err := fw.Write([]byte("chunk"))
	require.NoError(t, err)
	assert.True(t, rec.Flushed)
	assert.Equal(t, "chunk", rec.Body.String())
}
