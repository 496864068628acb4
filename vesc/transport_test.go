package vesc

import (
	"sync"
	"testing"
	"time"

	"go.viam.com/test"
)

// fakeLink is an in-memory link that records every write and replays queued
// bytes on read. Reads never block: missing bytes come back short, the same
// way a real port read that timed out does.
type fakeLink struct {
	mu         sync.Mutex
	writes     [][]byte
	writeErrs  []error
	readBuf    []byte
	open       bool
	inFlushes  int
	outFlushes int
}

func newFakeLink() *fakeLink {
	return &fakeLink{open: true}
}

func (f *fakeLink) write(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return errLinkClosed
	}
	if len(f.writeErrs) > 0 {
		err := f.writeErrs[0]
		f.writeErrs = f.writeErrs[1:]
		if err != nil {
			return err
		}
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	f.writes = append(f.writes, buf)
	return nil
}

func (f *fakeLink) read(n int, timeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return nil, errLinkClosed
	}
	if n > len(f.readBuf) {
		n = len(f.readBuf)
	}
	out := make([]byte, n)
	copy(out, f.readBuf[:n])
	f.readBuf = f.readBuf[n:]
	return out, nil
}

func (f *fakeLink) flushInput() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readBuf = nil
	f.inFlushes++
	return nil
}

func (f *fakeLink) flushOutput() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outFlushes++
	return nil
}

func (f *fakeLink) isOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeLink) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	return nil
}

func (f *fakeLink) queue(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readBuf = append(f.readBuf, b...)
}

func (f *fakeLink) failNextWrites(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErrs = append(f.writeErrs, errs...)
}

func (f *fakeLink) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeLink) writesSnapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

func (f *fakeLink) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = nil
	f.writeErrs = nil
	f.readBuf = nil
}

func TestOpenLinkBadPort(t *testing.T) {
	_, err := openLink("/dev/nonexistent-vesc-port", 115200, time.Second)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestClosedLinkRejectsIO(t *testing.T) {
	l := &serialLink{portName: "fake", open: false}
	test.That(t, l.write([]byte{0x01}), test.ShouldEqual, errLinkClosed)
	_, err := l.read(1, time.Second)
	test.That(t, err, test.ShouldEqual, errLinkClosed)
	test.That(t, l.flushInput(), test.ShouldEqual, errLinkClosed)
	test.That(t, l.flushOutput(), test.ShouldEqual, errLinkClosed)
	test.That(t, l.isOpen(), test.ShouldBeFalse)
	test.That(t, l.close(), test.ShouldBeNil)
}

func TestFakeLinkShortRead(t *testing.T) {
	f := newFakeLink()
	f.queue([]byte{0x01, 0x02})
	got, err := f.read(5, time.Millisecond)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldResemble, []byte{0x01, 0x02})
}
