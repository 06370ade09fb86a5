package inspect

import (
	"bytes"
	"io"
	"testing"
)

type fakeReadCloser struct {
	r      *bytes.Reader
	closed int
}

func (f *fakeReadCloser) Read(p []byte) (int, error) { return f.r.Read(p) }
func (f *fakeReadCloser) Close() error                { f.closed++; return nil }

type fakeWriteCloser struct {
	buf    bytes.Buffer
	closed int
}

func (f *fakeWriteCloser) Write(p []byte) (int, error) { return f.buf.Write(p) }
func (f *fakeWriteCloser) Close() error                 { f.closed++; return nil }

func TestReaderCloseHookFiresExactlyOnce(t *testing.T) {
	src := &fakeReadCloser{r: bytes.NewReader([]byte("hello world"))}
	closes := 0
	r := WrapReader(src, nil, func() { closes++ })

	buf := make([]byte, 64)
	if _, err := r.Read(buf); err != nil && err != io.EOF {
		t.Fatalf("Read: %v", err)
	}

	r.Close()
	r.Close()
	r.Close()

	if closes != 1 {
		t.Fatalf("close hook fired %d times, want 1", closes)
	}
	if src.closed != 3 {
		t.Fatalf("underlying Close called %d times, want 3", src.closed)
	}
}

func TestReaderHookDropTearsDownStream(t *testing.T) {
	src := &fakeReadCloser{r: bytes.NewReader([]byte("abcdefghijklmnop"))}
	closes := 0
	var seen []byte
	r := WrapReader(src, func(chunk []byte) bool {
		seen = append(seen, chunk...)
		return true
	}, func() { closes++ })

	buf := make([]byte, 4)
	n, err := r.Read(buf)
	if n == 0 {
		t.Fatal("expected some bytes read before drop")
	}
	if err != io.EOF {
		t.Fatalf("err = %v, want io.EOF after drop", err)
	}
	if !r.Dropped() {
		t.Fatal("Dropped() = false, want true")
	}
	if closes != 1 {
		t.Fatalf("close hook fired %d times, want 1", closes)
	}

	n2, err2 := r.Read(buf)
	if n2 != 0 || err2 != io.EOF {
		t.Fatalf("post-drop Read = (%d, %v), want (0, io.EOF)", n2, err2)
	}
}

func TestReaderNormalCompletionDoesNotAutoClose(t *testing.T) {
	src := &fakeReadCloser{r: bytes.NewReader([]byte("x"))}
	closes := 0
	r := WrapReader(src, nil, func() { closes++ })

	buf := make([]byte, 16)
	for {
		_, err := r.Read(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
	}

	if closes != 0 {
		t.Fatalf("close hook fired %d times before explicit Close, want 0", closes)
	}
	r.Close()
	if closes != 1 {
		t.Fatalf("close hook fired %d times after explicit Close, want 1", closes)
	}
}

func TestWriterCloseHookFiresExactlyOnce(t *testing.T) {
	dst := &fakeWriteCloser{}
	closes := 0
	w := WrapWriter(dst, nil, func() { closes++ })

	if _, err := w.Write([]byte("payload")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	w.Close()
	w.Close()

	if closes != 1 {
		t.Fatalf("close hook fired %d times, want 1", closes)
	}
	if dst.buf.String() != "payload" {
		t.Fatalf("dst content = %q, want %q", dst.buf.String(), "payload")
	}
}

func TestWriterHookDropBlocksFurtherWrites(t *testing.T) {
	dst := &fakeWriteCloser{}
	w := WrapWriter(dst, func(chunk []byte) bool { return true }, nil)

	n, err := w.Write([]byte("blocked"))
	if n != 0 || err != io.ErrClosedPipe {
		t.Fatalf("Write = (%d, %v), want (0, io.ErrClosedPipe)", n, err)
	}
	if dst.buf.Len() != 0 {
		t.Fatal("dropped write must not reach the underlying writer")
	}

	n2, err2 := w.Write([]byte("more"))
	if n2 != 0 || err2 != io.ErrClosedPipe {
		t.Fatalf("second Write = (%d, %v), want (0, io.ErrClosedPipe)", n2, err2)
	}
}
