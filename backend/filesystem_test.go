package backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewFilesystem(t *testing.T) {
	root := filepath.Join(t.TempDir(), "audio")

	fs, err := NewFilesystem(root)
	require.NoError(t, err)
	require.Equal(t, root, fs.Root())

	info, err := os.Stat(root)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestFilesystemWriteRead(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()
	data := []byte("RIFF....WAVEfmt ")

	require.NoError(t, fs.Write(ctx, "1700000000000.wav", bytes.NewReader(data)))

	rc, err := fs.Read(ctx, "1700000000000.wav")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestFilesystemReadNotFound(t *testing.T) {
	fs := newTestFilesystem(t)

	_, err := fs.Read(context.Background(), "missing.wav")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemExistsAndDelete(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()
	key := "1.wav"

	exists, err := fs.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, fs.Write(ctx, key, bytes.NewReader([]byte("data"))))

	exists, err = fs.Exists(ctx, key)
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, fs.Delete(ctx, key))
	exists, err = fs.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, exists)

	// Delete nonexistent should not error (idempotent)
	require.NoError(t, fs.Delete(ctx, key))
}

func TestFilesystemStat(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()
	data := []byte("test data for size check")

	require.NoError(t, fs.Write(ctx, "size.wav", bytes.NewReader(data)))

	info, err := fs.Stat(ctx, "size.wav")
	require.NoError(t, err)
	require.Equal(t, "size.wav", info.Key)
	require.Equal(t, int64(len(data)), info.Size)
	require.False(t, info.ModTime.IsZero())

	_, err = fs.Stat(ctx, "nope.wav")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemListSkipsPendingWrites(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	for _, key := range []string{"3.wav", "1.wav", "2.wav"} {
		require.NoError(t, fs.Write(ctx, key, bytes.NewReader([]byte("data"))))
	}

	w, err := fs.Writer(ctx, "4.wav")
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)

	keys, err := fs.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"1.wav", "2.wav", "3.wav"}, keys)

	require.NoError(t, w.Close())
	keys, err = fs.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"1.wav", "2.wav", "3.wav", "4.wav"}, keys)
}

func TestFilesystemAbortKeepsOriginal(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()
	original := []byte("original content")

	require.NoError(t, fs.Write(ctx, "a.wav", bytes.NewReader(original)))

	w, err := fs.Writer(ctx, "a.wav")
	require.NoError(t, err)
	_, _ = w.Write([]byte("partial"))
	require.NoError(t, w.Abort())

	rc, err := fs.Read(ctx, "a.wav")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, _ := io.ReadAll(rc)
	require.Equal(t, original, got)

	entries, err := os.ReadDir(fs.Root())
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp file must be removed on abort")
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("pipe closed") }

func TestFilesystemWriteFailureLeavesNothing(t *testing.T) {
	fs := newTestFilesystem(t)

	err := fs.Write(context.Background(), "b.wav", failingReader{})
	require.Error(t, err)

	entries, err := os.ReadDir(fs.Root())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key   string
		valid bool
	}{
		{"1700000000000.wav", true},
		{"", false},
		{".", false},
		{"..", false},
		{"../etc/passwd", false},
		{"sub/dir.wav", false},
		{`win\path.wav`, false},
		{".tmp-123", false},
		{".hidden", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if tt.valid {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrInvalidKey)
			}
		})
	}
}

func newTestFilesystem(t *testing.T) *Filesystem {
	t.Helper()
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return fs
}
