package vfs

import (
	"bytes"
	"context"
	"testing"
)

func TestSchemeFileRoundTrip(t *testing.T) {
	s, fake := newTestSession(t)
	fake.AddFile(1, "hello.txt", []byte("hello world!!!"), 0o644)
	sch := NewScheme(s)

	id, err := sch.Open(context.Background(), "/hello.txt", SchemeReadOnly)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	buf := make([]byte, 4096)
	n, err := sch.Read(context.Background(), id, buf, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "hello world!!!" {
		t.Fatalf("unexpected content: %q", buf[:n])
	}

	attr, err := sch.Fstat(context.Background(), id)
	if err != nil {
		t.Fatalf("fstat: %v", err)
	}
	if attr.Size != 14 {
		t.Fatalf("expected size 14, got %d", attr.Size)
	}

	if err := sch.Close(context.Background(), id); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestSchemeDirectoryReadTruncatesAtEntryBoundary(t *testing.T) {
	s, fake := newTestSession(t)
	fake.AddFile(1, "hello.txt", []byte("hi"), 0o644)
	sch := NewScheme(s)

	id, err := sch.Open(context.Background(), "/", SchemeDirectory)
	if err != nil {
		t.Fatalf("open dir: %v", err)
	}

	// A 2-byte buffer fits "." plus its NUL terminator exactly and nothing
	// else; exercise the boundary at exactly the first entry's length.
	buf := make([]byte, 2)
	n, err := sch.Read(context.Background(), id, buf, 0)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if n != 2 || !bytes.Equal(buf[:n], []byte{'.', 0}) {
		t.Fatalf("expected exactly one whole NUL-terminated name, got %q (n=%d)", buf[:n], n)
	}

	// The next entry is "..\0", 3 bytes: it does not fit in a 2-byte
	// buffer, so the read must return 0 rather than a partial name.
	n2, err := sch.Read(context.Background(), id, buf, uint64(n))
	if err != nil {
		t.Fatalf("second read dir: %v", err)
	}
	if n2 != 0 {
		t.Fatalf("expected 0 bytes when the next whole entry doesn't fit, got %d", n2)
	}

	bigBuf := make([]byte, 64)
	n3, err := sch.Read(context.Background(), id, bigBuf, uint64(n))
	if err != nil {
		t.Fatalf("third read dir: %v", err)
	}
	if !bytes.Contains(bigBuf[:n3], []byte("hello.txt\x00")) {
		t.Fatalf("expected remaining entries to include hello.txt, got %q", bigBuf[:n3])
	}
}
