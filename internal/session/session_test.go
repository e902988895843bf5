package session

import (
	"context"
	"errors"
	"testing"

	"github.com/mcsohan/fusevirtio/internal/protoerr"
	"github.com/mcsohan/fusevirtio/internal/transport"
	"github.com/mcsohan/fusevirtio/internal/wirefuse"
)

// scriptedTransport replies to requests in the order they're submitted,
// decoding just enough of the request header to hand the test's canned
// reply back with the right unique id.
type scriptedTransport struct {
	replies []func(unique uint64) []byte
	calls   []wirefuse.InHeader
	failAt  int // -1 disables; otherwise the call index that errors
}

func (s *scriptedTransport) RoundTrip(ctx context.Context, req []byte) ([]byte, error) {
	hdr, err := wirefuse.DecodeInHeader(req)
	if err != nil {
		return nil, err
	}
	idx := len(s.calls)
	s.calls = append(s.calls, hdr)
	if s.failAt == idx {
		return nil, errors.New("simulated transport failure")
	}
	if idx >= len(s.replies) {
		return nil, errors.New("scriptedTransport: no reply scripted for call")
	}
	return s.replies[idx](hdr.Unique), nil
}

var _ transport.RoundTripper = (*scriptedTransport)(nil)

func TestInitHandshake(t *testing.T) {
	st := &scriptedTransport{failAt: -1, replies: []func(uint64) []byte{
		func(unique uint64) []byte {
			return wirefuse.BuildReply(unique, 0, wirefuse.EncodeInitOut(wirefuse.InitOut{Major: 7, Minor: 31, MaxWrite: 1 << 20}))
		},
	}}
	s := New(st, 1000, 1000, 4242, nil)

	result, err := s.Init(context.Background())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if result.Major != 7 || result.Minor != 31 {
		t.Fatalf("unexpected init result: %+v", result)
	}
	if st.calls[0].Opcode != wirefuse.OpInit || st.calls[0].Unique != 2 {
		t.Fatalf("unexpected first request: %+v", st.calls[0])
	}
}

func TestUniqueIDsAreMonotonicAndNeverZeroOrOne(t *testing.T) {
	st := &scriptedTransport{failAt: -1}
	for i := 0; i < 3; i++ {
		st.replies = append(st.replies, func(unique uint64) []byte {
			return wirefuse.BuildReply(unique, 0, wirefuse.EncodeAttrOut(wirefuse.AttrOut{}))
		})
	}
	s := New(st, 0, 0, 0, nil)

	var prev uint64
	for i := 0; i < 3; i++ {
		if _, err := s.Getattr(context.Background(), 1); err != nil {
			t.Fatalf("getattr %d: %v", i, err)
		}
		u := st.calls[i].Unique
		if u == 0 || u == 1 {
			t.Fatalf("unique id %d is reserved", u)
		}
		if i > 0 && u <= prev {
			t.Fatalf("unique ids not strictly increasing: %d then %d", prev, u)
		}
		prev = u
	}
}

func TestMkdirEexistSurfacesAlreadyExistsAndSessionStaysUsable(t *testing.T) {
	st := &scriptedTransport{failAt: -1, replies: []func(uint64) []byte{
		func(unique uint64) []byte { return wirefuse.BuildReply(unique, -17, nil) }, // -EEXIST
		func(unique uint64) []byte { return wirefuse.BuildReply(unique, 0, wirefuse.EncodeAttrOut(wirefuse.AttrOut{})) },
	}}
	s := New(st, 0, 0, 0, nil)

	_, err := s.Mkdir(context.Background(), 1, "exists", 0o755, 0)
	var remote *protoerr.RemoteError
	if !errors.As(err, &remote) || remote.Kind != protoerr.KindAlreadyExist {
		t.Fatalf("expected AlreadyExists, got %v", err)
	}

	if _, err := s.Getattr(context.Background(), 1); err != nil {
		t.Fatalf("session should remain usable after a remote error: %v", err)
	}
}

func TestTransportFailureClosesSession(t *testing.T) {
	st := &scriptedTransport{failAt: 0}
	s := New(st, 0, 0, 0, nil)

	if _, err := s.Getattr(context.Background(), 1); err == nil {
		t.Fatalf("expected the first call to fail")
	}
	if !s.Closed() {
		t.Fatalf("expected session to be closed after a transport failure")
	}
	if _, err := s.Getattr(context.Background(), 1); !errors.Is(err, protoerr.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed after the session closed, got %v", err)
	}
	if len(st.calls) != 1 {
		t.Fatalf("expected no further transport calls once the session is closed, got %d", len(st.calls))
	}
}

func TestShortReplyIsFramingErrorAndSessionStaysUsable(t *testing.T) {
	// Scenario from spec §8, scenario 6: only 12 bytes for a GETATTR reply.
	st := &scriptedTransport{failAt: -1, replies: []func(uint64) []byte{
		func(unique uint64) []byte { return make([]byte, 12) },
		func(unique uint64) []byte { return wirefuse.BuildReply(unique, 0, wirefuse.EncodeAttrOut(wirefuse.AttrOut{})) },
	}}
	s := New(st, 0, 0, 0, nil)

	if _, err := s.Getattr(context.Background(), 1); !errors.Is(err, protoerr.ErrFraming) {
		t.Fatalf("expected ErrFraming, got %v", err)
	}
	if s.Closed() {
		t.Fatalf("session should remain usable after a malformed-but-delivered reply")
	}
	if _, err := s.Getattr(context.Background(), 1); err != nil {
		t.Fatalf("expected the session to still accept requests: %v", err)
	}
}
