package iobuf

import (
	"bytes"
	"testing"
)

func TestBlockWindowing(t *testing.T) {
	buf := NewBuffer(16)
	copy(buf.Data, []byte("0123456789abcdef"))

	b := NewBlock(buf, 4, 8)
	if got := b.ReadAvail(); got != 8 {
		t.Fatalf("ReadAvail = %d, want 8", got)
	}
	if got := string(b.Bytes()); got != "456789ab" {
		t.Fatalf("Bytes = %q, want %q", got, "456789ab")
	}

	b.Consume(3)
	if got := string(b.Bytes()); got != "789ab" {
		t.Fatalf("Bytes after Consume = %q, want %q", got, "789ab")
	}
}

func TestChainAppendAndCopy(t *testing.T) {
	b1buf := NewBuffer(8)
	copy(b1buf.Data, "aaaabbbb")
	b2buf := NewBuffer(8)
	copy(b2buf.Data, "ccccdddd")

	var head *Block
	head = AppendBlock(head, NewBlock(b1buf, 0, 8))
	head = AppendBlock(head, NewBlock(b2buf, 0, 4))

	if got := ChainLen(head); got != 12 {
		t.Fatalf("ChainLen = %d, want 12", got)
	}
	if got := CopyChain(head); !bytes.Equal(got, []byte("aaaabbbbcccc")) {
		t.Fatalf("CopyChain = %q", got)
	}
}

func TestConsumeChain(t *testing.T) {
	b1buf := NewBuffer(4)
	copy(b1buf.Data, "aaaa")
	b2buf := NewBuffer(4)
	copy(b2buf.Data, "bbbb")

	head := AppendBlock(NewBlock(b1buf, 0, 4), NewBlock(b2buf, 0, 4))

	head = ConsumeChain(head, 6)
	if got := ChainLen(head); got != 2 {
		t.Fatalf("ChainLen after consume = %d, want 2", got)
	}
	if got := string(head.Bytes()); got != "bb" {
		t.Fatalf("remaining = %q, want %q", got, "bb")
	}

	head = ConsumeChain(head, 2)
	if head != nil {
		t.Fatalf("chain not empty after full consume")
	}
}

func TestBufferRefCounting(t *testing.T) {
	buf := NewBuffer(8)
	b := NewBlock(buf, 0, 8)

	// Owner drops its reference; the block still holds one.
	buf.Release()
	if buf.Data == nil {
		t.Fatalf("buffer reclaimed while block alive")
	}

	ReleaseChain(b)
	if buf.Data != nil {
		t.Fatalf("buffer not reclaimed after last release")
	}
}
