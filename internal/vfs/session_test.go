package vfs

import (
	"context"
	"errors"
	"testing"

	"github.com/mcsohan/fusevirtio/internal/faketest"
	"github.com/mcsohan/fusevirtio/internal/protoerr"
	"github.com/mcsohan/fusevirtio/internal/session"
)

func newTestSession(t *testing.T) (*Session, *faketest.Server) {
	t.Helper()
	fake := faketest.NewServer()
	proto := session.New(fake, 1000, 1000, 4242, nil)
	if _, err := proto.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return NewSession(proto), fake
}

func TestLookupAndGetattr(t *testing.T) {
	// Scenario from spec §8: lookup hello.txt under root, then getattr
	// confirms a regular file of size 14.
	s, fake := newTestSession(t)
	fake.AddFile(1, "hello.txt", []byte("hello world!!!"), 0o644)

	attr, err := s.Stat(context.Background(), "/hello.txt")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !IsRegular(attr.Mode) {
		t.Fatalf("expected a regular file, got mode %o", attr.Mode)
	}
	if attr.Size != 14 {
		t.Fatalf("expected size 14, got %d", attr.Size)
	}
}

func TestCatOfA14ByteFile(t *testing.T) {
	// Scenario from spec §8: open returns fh=X; read(0,4096) returns 14
	// bytes; read(14,4096) returns 0 bytes; release succeeds.
	s, fake := newTestSession(t)
	fake.AddFile(1, "hello.txt", []byte("hello world!!!"), 0o644)

	h, err := s.Open(context.Background(), "/hello.txt", 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	data, err := s.Read(context.Background(), h, 4096)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(data) != 14 {
		t.Fatalf("expected 14 bytes, got %d", len(data))
	}

	rest, err := s.Read(context.Background(), h, 4096)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("expected EOF (0 bytes), got %d", len(rest))
	}

	if err := s.Close(context.Background(), h); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestReaddirOfRoot(t *testing.T) {
	// Scenario from spec §8: readdir of root yields ".", "..", "hello.txt".
	s, fake := newTestSession(t)
	fake.AddFile(1, "hello.txt", []byte("hello world!!!"), 0o644)

	entries, err := s.Readdir(context.Background(), "/")
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d: %+v", len(entries), entries)
	}
	names := []string{entries[0].Name, entries[1].Name, entries[2].Name}
	want := []string{".", "..", "hello.txt"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("entry %d: got %q want %q", i, names[i], want[i])
		}
	}
}

func TestPositionalReadDoesNotMutateCursor(t *testing.T) {
	s, fake := newTestSession(t)
	fake.AddFile(1, "hello.txt", []byte("hello world!!!"), 0o644)

	h, err := s.Open(context.Background(), "/hello.txt", 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.ReadAt(context.Background(), h, 5, 5); err != nil {
		t.Fatalf("readat: %v", err)
	}
	data, err := s.Read(context.Background(), h, 4096)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(data) != 14 {
		t.Fatalf("expected cursor read to still start at 0 and return all 14 bytes, got %d", len(data))
	}
}

func TestMkdirThenLookup(t *testing.T) {
	s, _ := newTestSession(t)
	if err := s.Mkdir(context.Background(), "/newdir", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	attr, err := s.Stat(context.Background(), "/newdir")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !IsDir(attr.Mode) {
		t.Fatalf("expected a directory, got mode %o", attr.Mode)
	}
}

func TestMkdirEmptyNameIsInvalidInputWithoutRemoteCall(t *testing.T) {
	s, _ := newTestSession(t)
	if err := s.Mkdir(context.Background(), "/", 0o755); !errors.Is(err, protoerr.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for an empty mkdir name, got %v", err)
	}
}

func TestChdirNormalizesDotDot(t *testing.T) {
	s, _ := newTestSession(t)
	s.Mkdir(context.Background(), "/a", 0o755)
	s.Mkdir(context.Background(), "/a/b", 0o755)

	if err := s.Chdir(context.Background(), "/a/b"); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	if err := s.Chdir(context.Background(), ".."); err != nil {
		t.Fatalf("chdir ..: %v", err)
	}
	path, _ := s.Getwd()
	if path != "/a" {
		t.Fatalf("expected normalized cwd /a, got %q", path)
	}
}

func TestChdirOnNonDirectoryFails(t *testing.T) {
	s, fake := newTestSession(t)
	fake.AddFile(1, "hello.txt", []byte("hello world!!!"), 0o644)

	if err := s.Chdir(context.Background(), "/hello.txt"); err == nil {
		t.Fatalf("expected chdir onto a regular file to fail")
	}
}
