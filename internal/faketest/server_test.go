package faketest

import (
	"context"
	"testing"

	"github.com/mcsohan/fusevirtio/internal/wirefuse"
)

func TestLookupHelloTxt(t *testing.T) {
	s := NewServer()
	s.AddFile(1, "hello.txt", []byte("hello world!!!"), 0o644)

	req := wirefuse.BuildRequest(wirefuse.OpLookup, 2, 1, 0, 0, 0, wirefuse.EncodeLookupIn("hello.txt"))
	reply, err := s.RoundTrip(context.Background(), req)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	hdr, body, err := wirefuse.DecodeOutHeader(reply)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hdr.Error != 0 {
		t.Fatalf("unexpected error: %d", hdr.Error)
	}
	entry, err := wirefuse.DecodeEntryOut(body)
	if err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry.Attr.Size != 14 {
		t.Fatalf("expected size 14, got %d", entry.Attr.Size)
	}
}

func TestLookupMissingIsENOENT(t *testing.T) {
	s := NewServer()
	req := wirefuse.BuildRequest(wirefuse.OpLookup, 2, 1, 0, 0, 0, wirefuse.EncodeLookupIn("nope"))
	reply, err := s.RoundTrip(context.Background(), req)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	hdr, _, err := wirefuse.DecodeOutHeader(reply)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hdr.Error != errNoEnt {
		t.Fatalf("expected errno %d, got %d", errNoEnt, hdr.Error)
	}
}
