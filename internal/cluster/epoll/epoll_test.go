package epoll

import (
	"testing"

	"golang.org/x/sys/unix"
)

func newPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestPollTimeout(t *testing.T) {
	p, err := New(4, 10)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	n, err := p.Poll()
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if n != 0 {
		t.Fatalf("Poll = %d, want 0 on timeout", n)
	}
}

func TestReadReadiness(t *testing.T) {
	p, err := New(4, 1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	a, b := newPair(t)
	type attachment struct{ name string }
	att := &attachment{name: "a"}

	if err := p.Attach(a, Read, att); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if _, err := unix.Write(b, []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	n, err := p.Poll()
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if n != 1 {
		t.Fatalf("Poll = %d, want 1", n)
	}
	if ev := p.GetEvents(0); ev&Read == 0 {
		t.Fatalf("events = %#x, want readable", ev)
	}
	if got := p.GetData(0); got != att {
		t.Fatalf("GetData = %v, want original attachment", got)
	}
}

func TestModifyAndDetach(t *testing.T) {
	p, err := New(4, 10)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	a, b := newPair(t)
	if err := p.Attach(a, Read, "first"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := p.Modify(a, Read|Write, "second"); err != nil {
		t.Fatalf("Modify: %v", err)
	}

	// A fresh socketpair is immediately writable.
	n, err := p.Poll()
	if err != nil || n != 1 {
		t.Fatalf("Poll = %d, %v; want 1, nil", n, err)
	}
	if got := p.GetData(0); got != "second" {
		t.Fatalf("GetData after Modify = %v, want %q", got, "second")
	}

	if err := p.Detach(a); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	n, err = p.Poll()
	if err != nil {
		t.Fatalf("Poll after Detach: %v", err)
	}
	if n != 0 {
		t.Fatalf("Poll after Detach = %d, want 0", n)
	}
	_ = b
}
