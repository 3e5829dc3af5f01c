package sensorhub

import "testing"

func TestStreamParameterRoundTrip(t *testing.T) {
	var stored []byte
	set := newStreamSet("device/0", DefaultBinSlots, NewStdLogger(SeverityError))
	desc := StreamDescription{Type: 1, Subtype: 0}

	stream := set.CreateStream(desc, StreamCallbacks{
		OnSetParameter: func(id uint32, value []byte) Status {
			stored = append([]byte(nil), value...)
			return StatusSuccess
		},
		OnGetParameter: func(id uint32) ([]byte, bool) {
			return stored, false
		},
	})

	conn := newStreamConnection(stream)
	stream.attach(conn)

	if status := conn.SetParameter(7, []byte("hello")); status != StatusSuccess {
		t.Fatalf("SetParameter status = %v", status)
	}

	length, token := conn.GetParameter(7)
	if length != len("hello") {
		t.Fatalf("GetParameter length = %d, want %d", length, len("hello"))
	}

	buf := make([]byte, length)
	n, err := conn.GetResult(token, buf)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("GetResult = %q, want %q", buf[:n], "hello")
	}
}

func TestStreamGetResultUnknownTokenFails(t *testing.T) {
	set := newStreamSet("device/0", DefaultBinSlots, NewStdLogger(SeverityError))
	stream := set.CreateStream(StreamDescription{Type: 1}, StreamCallbacks{})
	conn := newStreamConnection(stream)
	stream.attach(conn)

	_, err := conn.GetResult(999, make([]byte, 4))
	if statusOf(err) != StatusInvalidOperation {
		t.Fatalf("expected InvalidOperation, got %v", statusOf(err))
	}
}

func TestStreamDestroyDiscardsOutstandingTokensSilently(t *testing.T) {
	set := newStreamSet("device/0", DefaultBinSlots, NewStdLogger(SeverityError))
	stream := set.CreateStream(StreamDescription{Type: 1}, StreamCallbacks{
		OnInvoke: func(cmd uint32, in []byte) ([]byte, bool) {
			return nil, true // deferred, never completed
		},
	})
	conn := newStreamConnection(stream)
	stream.attach(conn)

	_, token := conn.Invoke(1, nil)
	conn.destroy()

	// Completing a token on a destroyed connection must not panic.
	conn.completeToken(token, []byte("late"))
}

func TestStreamPublishNotifiesStartedConnections(t *testing.T) {
	set := newStreamSet("device/0", DefaultBinSlots, NewStdLogger(SeverityError))
	stream := set.CreateStream(StreamDescription{Type: 2}, StreamCallbacks{})
	conn := newStreamConnection(stream)
	stream.attach(conn)

	var gotSeq uint64
	conn.onFrameReady = func(seq uint64) { gotSeq = seq }

	seq, err := stream.PublishFrame([]byte("frame"), nil)
	if err != nil {
		t.Fatalf("PublishFrame: %v", err)
	}
	if gotSeq != seq {
		t.Fatalf("callback saw seq %d, want %d", gotSeq, seq)
	}

	conn.Stop()
	gotSeq = 0
	if _, err := stream.PublishFrame([]byte("frame2"), nil); err != nil {
		t.Fatalf("PublishFrame: %v", err)
	}
	if gotSeq != 0 {
		t.Fatalf("stopped connection should not be notified, got seq %d", gotSeq)
	}
}

func TestStreamPlaceholderPromotion(t *testing.T) {
	set := newStreamSet("device/0", DefaultBinSlots, NewStdLogger(SeverityError))
	desc := StreamDescription{Type: 3}

	placeholder := set.CreatePlaceholder(desc)
	if !placeholder.isPlaceholder() {
		t.Fatal("expected a placeholder stream")
	}

	conn := newStreamConnection(placeholder)
	placeholder.attach(conn)

	promoted := set.CreateStream(desc, StreamCallbacks{})
	if promoted != placeholder {
		t.Fatal("CreateStream should promote the existing placeholder, not create a new Stream")
	}
	if promoted.isPlaceholder() {
		t.Fatal("promoted stream should no longer report as a placeholder")
	}

	var seen uint64
	conn.onFrameReady = func(seq uint64) { seen = seq }
	seq, err := promoted.PublishFrame([]byte("x"), nil)
	if err != nil {
		t.Fatalf("PublishFrame: %v", err)
	}
	if seen != seq {
		t.Fatal("existing connection handle should keep receiving frames after promotion")
	}
}
