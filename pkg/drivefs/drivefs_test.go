package drivefs

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivegate/drivegate/pkg/remote/memory"
)

// fastRetry keeps transient-failure tests quick.
var fastRetry = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func newTestFS(t *testing.T, root string) (*FS, *memory.Driver) {
	t.Helper()
	driver := memory.NewDriver()
	driver.AddAccount("alice@example.com", "pw", "")
	client, err := driver.Login(context.Background(), "alice@example.com", "pw", "")
	require.NoError(t, err)

	if root != "/" {
		// Seed the scoped root directory.
		require.NoError(t, client.Mkdir(context.Background(), root))
	}
	return New(client, root, fastRetry), driver
}

func TestResolveConfinement(t *testing.T) {
	tests := []struct {
		name    string
		root    string
		path    string
		want    string
		escapes bool
	}{
		{name: "plain", root: "/share", path: "/docs/a.txt", want: "/share/docs/a.txt"},
		{name: "relative", root: "/share", path: "docs/a.txt", want: "/share/docs/a.txt"},
		{name: "root itself", root: "/share", path: "/", want: "/share"},
		{name: "dot segments collapse", root: "/share", path: "/docs/../a.txt", want: "/share/a.txt"},
		{name: "leading dotdot clamps to root", root: "/share", path: "/../secret", want: "/share/secret"},
		{name: "many dotdots stay inside", root: "/share", path: "../../..", want: "/share"},
		{name: "backslashes normalized", root: "/share", path: "docs\\..\\..\\x", want: "/share/x"},
		{name: "nul byte rejected", root: "/share", path: "a\x00b", escapes: true},
		{name: "whole account root", root: "/", path: "/../../etc", want: "/etc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.root, tt.path)
			if tt.escapes {
				require.ErrorIs(t, err, ErrPathEscape)
				return
			}
			require.NoError(t, err)
			// The invariant that matters: result is the root or below it.
			cleanRoot := tt.root
			if cleanRoot != "/" {
				assert.True(t, got == cleanRoot || strings.HasPrefix(got, cleanRoot+"/"),
					"Resolve(%q, %q) = %q escapes root", tt.root, tt.path, got)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	fs, _ := newTestFS(t, "/share")
	ctx := context.Background()

	payload := []byte("hello through the adapter")
	w, err := fs.OpenWrite(ctx, "/greeting.txt")
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := fs.OpenRead(ctx, "/greeting.txt", 0, -1)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// The file landed inside the scoped root, not at the account root.
	_, err = fs.Stat(ctx, "/greeting.txt")
	require.NoError(t, err)
	info, err := fs.Stat(ctx, "greeting.txt") // relative form resolves identically
	require.NoError(t, err)
	assert.Equal(t, "/greeting.txt", info.Path)
}

func TestRangedRead(t *testing.T) {
	fs, _ := newTestFS(t, "/share")
	ctx := context.Background()

	w, err := fs.OpenWrite(ctx, "/data.bin")
	require.NoError(t, err)
	_, err = w.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := fs.OpenRead(ctx, "/data.bin", 3, 4)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "3456", string(got))
}

func TestErrorTaxonomy(t *testing.T) {
	fs, _ := newTestFS(t, "/share")
	ctx := context.Background()

	_, err := fs.Stat(ctx, "/nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = fs.List(ctx, "/nope")
	assert.ErrorIs(t, err, ErrNotFound)

	err = fs.Mkdir(ctx, "/dir")
	require.NoError(t, err)
	err = fs.Mkdir(ctx, "/dir")
	assert.ErrorIs(t, err, ErrExists)

	_, err = fs.OpenRead(ctx, "/dir", 0, -1)
	assert.ErrorIs(t, err, ErrIsDir)
}

func TestQuotaMapsToTaxonomy(t *testing.T) {
	fs, driver := newTestFS(t, "/")
	driver.SetQuota("alice@example.com", 4)
	ctx := context.Background()

	w, err := fs.OpenWrite(ctx, "/big")
	require.NoError(t, err)
	_, err = w.Write([]byte("too large for quota"))
	require.NoError(t, err)
	assert.ErrorIs(t, w.Close(), ErrQuotaExceeded)
}

func TestTransientRetry(t *testing.T) {
	fs, driver := newTestFS(t, "/share")
	ctx := context.Background()

	// Two injected failures fit inside the three-attempt budget.
	driver.FailOps(2, nil)
	_, err := fs.Stat(ctx, "/")
	require.NoError(t, err)

	// Three failures exhaust it.
	driver.FailOps(3, nil)
	_, err = fs.Stat(ctx, "/")
	assert.ErrorIs(t, err, ErrTransient)
}

func TestRetryStopsOnCancel(t *testing.T) {
	driver := memory.NewDriver()
	driver.AddAccount("alice@example.com", "pw", "")
	client, err := driver.Login(context.Background(), "alice@example.com", "pw", "")
	require.NoError(t, err)

	// Slow backoff so cancellation lands inside the retry wait.
	fs := New(client, "/", RetryPolicy{MaxAttempts: 10, BaseDelay: time.Minute, MaxDelay: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())

	driver.FailOps(10, nil)
	done := make(chan error, 1)
	go func() {
		_, statErr := fs.Stat(ctx, "/")
		done <- statErr
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("retry loop did not observe cancellation")
	}
}

func TestRenameConfined(t *testing.T) {
	fs, _ := newTestFS(t, "/share")
	ctx := context.Background()

	w, err := fs.OpenWrite(ctx, "/a.txt")
	require.NoError(t, err)
	_, _ = w.Write([]byte("x"))
	require.NoError(t, w.Close())

	require.NoError(t, fs.Rename(ctx, "/a.txt", "/b.txt"))
	_, err = fs.Stat(ctx, "/a.txt")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = fs.Stat(ctx, "/b.txt")
	require.NoError(t, err)
}

func TestDeleteDirectory(t *testing.T) {
	fs, _ := newTestFS(t, "/share")
	ctx := context.Background()

	require.NoError(t, fs.Mkdir(ctx, "/sub"))
	w, err := fs.OpenWrite(ctx, "/sub/f.txt")
	require.NoError(t, err)
	_, _ = w.Write([]byte("x"))
	require.NoError(t, w.Close())

	require.NoError(t, fs.Delete(ctx, "/sub"))
	_, err = fs.Stat(ctx, "/sub")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnmappedErrorIsUnknown(t *testing.T) {
	fs, driver := newTestFS(t, "/share")
	driver.FailOps(1, errors.New("weird backend explosion"))

	_, err := fs.Stat(context.Background(), "/")
	assert.ErrorIs(t, err, ErrUnknown)
}
