// Package drivetest provides a reusable conformance suite for remote.Driver
// implementations. Backend packages call RunSuite from their own tests with a
// factory that returns a freshly provisioned driver and a seeded account.
package drivetest

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/drivegate/drivegate/pkg/remote"
)

// Fixture is one ready-to-test backend instance.
type Fixture struct {
	// Driver is the backend under test.
	Driver remote.Driver

	// Email and Password identify a pre-provisioned account with an empty
	// root directory.
	Email    string
	Password string
}

// Factory provisions a fresh fixture per subtest.
type Factory func(t *testing.T) *Fixture

// RunSuite runs the conformance tests against every fixture the factory
// produces.
func RunSuite(t *testing.T, factory Factory) {
	t.Run("LoginRejectsBadPassword", func(t *testing.T) { testBadPassword(t, factory(t)) })
	t.Run("WriteReadRoundTrip", func(t *testing.T) { testRoundTrip(t, factory(t)) })
	t.Run("ListAndStat", func(t *testing.T) { testListAndStat(t, factory(t)) })
	t.Run("RangedRead", func(t *testing.T) { testRangedRead(t, factory(t)) })
	t.Run("DeleteAndRename", func(t *testing.T) { testDeleteAndRename(t, factory(t)) })
	t.Run("MissingPathsReturnNotFound", func(t *testing.T) { testNotFound(t, factory(t)) })
}

func login(t *testing.T, f *Fixture) remote.Client {
	t.Helper()
	client, err := f.Driver.Login(context.Background(), f.Email, f.Password, "")
	if err != nil {
		t.Fatalf("Login(%s) failed: %v", f.Email, err)
	}
	return client
}

func writeFile(t *testing.T, c remote.Client, path string, data []byte) {
	t.Helper()
	w, err := c.OpenWrite(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenWrite(%s) failed: %v", path, err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("Write(%s) failed: %v", path, err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close(%s) failed: %v", path, err)
	}
}

func readFile(t *testing.T, c remote.Client, path string, offset, length int64) []byte {
	t.Helper()
	r, err := c.OpenRead(context.Background(), path, offset, length)
	if err != nil {
		t.Fatalf("OpenRead(%s) failed: %v", path, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll(%s) failed: %v", path, err)
	}
	return data
}

func testBadPassword(t *testing.T, f *Fixture) {
	_, err := f.Driver.Login(context.Background(), f.Email, "wrong-"+f.Password, "")
	if !errors.Is(err, remote.ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
	_, err = f.Driver.Login(context.Background(), "nobody@example.com", f.Password, "")
	if !errors.Is(err, remote.ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential for unknown account, got %v", err)
	}
}

func testRoundTrip(t *testing.T, f *Fixture) {
	c := login(t, f)
	payload := []byte("drivetest round trip payload")

	writeFile(t, c, "/roundtrip.txt", payload)

	got := readFile(t, c, "/roundtrip.txt", 0, -1)
	if string(got) != string(payload) {
		t.Fatalf("round trip mismatch: got %q want %q", got, payload)
	}

	// Overwrite replaces content entirely.
	writeFile(t, c, "/roundtrip.txt", []byte("short"))
	got = readFile(t, c, "/roundtrip.txt", 0, -1)
	if string(got) != "short" {
		t.Fatalf("overwrite mismatch: got %q want %q", got, "short")
	}
}

func testListAndStat(t *testing.T, f *Fixture) {
	c := login(t, f)
	ctx := context.Background()

	if err := c.Mkdir(ctx, "/docs"); err != nil {
		t.Fatalf("Mkdir(/docs) failed: %v", err)
	}
	writeFile(t, c, "/docs/a.txt", []byte("aaa"))
	writeFile(t, c, "/docs/b.txt", []byte("bbbb"))

	infos, err := c.List(ctx, "/docs")
	if err != nil {
		t.Fatalf("List(/docs) failed: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("List(/docs) returned %d entries, want 2", len(infos))
	}
	if infos[0].Name != "a.txt" || infos[1].Name != "b.txt" {
		t.Fatalf("unexpected listing order: %v, %v", infos[0].Name, infos[1].Name)
	}
	if infos[1].Size != 4 {
		t.Fatalf("b.txt size = %d, want 4", infos[1].Size)
	}

	info, err := c.Stat(ctx, "/docs")
	if err != nil {
		t.Fatalf("Stat(/docs) failed: %v", err)
	}
	if !info.IsDir {
		t.Fatal("Stat(/docs) did not report a directory")
	}

	info, err = c.Stat(ctx, "/docs/a.txt")
	if err != nil {
		t.Fatalf("Stat(/docs/a.txt) failed: %v", err)
	}
	if info.IsDir || info.Size != 3 {
		t.Fatalf("Stat(/docs/a.txt) = %+v, want file of size 3", info)
	}
}

func testRangedRead(t *testing.T, f *Fixture) {
	c := login(t, f)
	writeFile(t, c, "/ranged.bin", []byte("0123456789"))

	got := readFile(t, c, "/ranged.bin", 2, 4)
	if string(got) != "2345" {
		t.Fatalf("ranged read = %q, want %q", got, "2345")
	}
	got = readFile(t, c, "/ranged.bin", 5, -1)
	if string(got) != "56789" {
		t.Fatalf("open-ended ranged read = %q, want %q", got, "56789")
	}
}

func testDeleteAndRename(t *testing.T, f *Fixture) {
	c := login(t, f)
	ctx := context.Background()

	writeFile(t, c, "/old.txt", []byte("content"))
	if err := c.Rename(ctx, "/old.txt", "/new.txt"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if _, err := c.Stat(ctx, "/old.txt"); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("source still present after rename: %v", err)
	}
	if got := readFile(t, c, "/new.txt", 0, -1); string(got) != "content" {
		t.Fatalf("renamed content = %q, want %q", got, "content")
	}

	if err := c.Delete(ctx, "/new.txt"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := c.Stat(ctx, "/new.txt"); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("file still present after delete: %v", err)
	}
}

func testNotFound(t *testing.T, f *Fixture) {
	c := login(t, f)
	ctx := context.Background()

	if _, err := c.Stat(ctx, "/missing"); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("Stat on missing path: %v", err)
	}
	if _, err := c.List(ctx, "/missing"); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("List on missing path: %v", err)
	}
	if _, err := c.OpenRead(ctx, "/missing", 0, -1); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("OpenRead on missing path: %v", err)
	}
	if err := c.Delete(ctx, "/missing"); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("Delete on missing path: %v", err)
	}
}
