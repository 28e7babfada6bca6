package sol

import "testing"

func TestQueueCoalescesByteChunks(t *testing.T) {
	var q outputQueue
	q.pushBytes([]byte("hello "))
	q.pushBytes([]byte("world"))
	if len(q.elems) != 1 {
		t.Fatalf("expected coalesced single element, got %d", len(q.elems))
	}
	data, isBreak, ok := q.popChunk(100)
	if !ok || isBreak {
		t.Fatal("expected a data chunk")
	}
	if string(data) != "hello world" {
		t.Fatalf("got %q", data)
	}
}

func TestQueueBreakIsSeparateElement(t *testing.T) {
	var q outputQueue
	q.pushBytes([]byte("a"))
	q.pushBreak()
	q.pushBytes([]byte("b"))
	if len(q.elems) != 3 {
		t.Fatalf("expected 3 elements (bytes, break, bytes), got %d", len(q.elems))
	}
	_, isBreak1, _ := q.popChunk(10)
	if isBreak1 {
		t.Fatal("first element should be bytes")
	}
	_, isBreak2, _ := q.popChunk(10)
	if !isBreak2 {
		t.Fatal("second element should be the break marker")
	}
}

func TestQueuePopChunkRespectsMaxOut(t *testing.T) {
	var q outputQueue
	q.pushBytes([]byte("0123456789"))
	data, _, ok := q.popChunk(4)
	if !ok || string(data) != "0123" {
		t.Fatalf("got %q", data)
	}
	data2, _, ok := q.popChunk(100)
	if !ok || string(data2) != "456789" {
		t.Fatalf("got %q", data2)
	}
}

func TestQueuePushFront(t *testing.T) {
	var q outputQueue
	q.pushBytes([]byte("new"))
	q.pushFront([]byte("old"))
	data, _, ok := q.popChunk(100)
	if !ok || string(data) != "oldnew" {
		t.Fatalf("got %q, want oldnew first", data)
	}
}
