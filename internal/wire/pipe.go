package wire

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ardnew/usbcore/pkg"
)

// pollSlice bounds each blocking read so cancellation is noticed.
const pollSlice = 100 * time.Millisecond

// Mkfifo creates a named pipe at path, replacing any file already there.
func Mkfifo(path string) error {
	_ = os.Remove(path)
	if err := unix.Mkfifo(path, 0o666); err != nil {
		return fmt.Errorf("mkfifo %s: %w", path, err)
	}
	return nil
}

// OpenPipe opens a named pipe without waiting for the other end.
func OpenPipe(path string, flag int) (*os.File, error) {
	f, err := os.OpenFile(path, flag|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}

// PipeReader reads a pipe in short deadline slices. A read ends with
// ctx.Err() when Ctx is done and with pkg.ErrCancelled when Done is
// closed.
//
// With Deadline set, a read that has not returned a single byte by then
// fails with pkg.ErrTimeout. Once a frame has started, the deadline is
// ignored so the frame is never cut in half. Use a fresh PipeReader per
// frame.
type PipeReader struct {
	File     *os.File
	Ctx      context.Context
	Done     <-chan struct{}
	Deadline time.Time

	started bool
}

// Read implements io.Reader.
func (p *PipeReader) Read(b []byte) (int, error) {
	for {
		if err := p.Ctx.Err(); err != nil {
			return 0, err
		}
		select {
		case <-p.Done:
			return 0, pkg.ErrCancelled
		default:
		}

		slice := time.Now().Add(pollSlice)
		if !p.started && !p.Deadline.IsZero() && p.Deadline.Before(slice) {
			slice = p.Deadline
		}
		_ = p.File.SetReadDeadline(slice)
		n, err := p.File.Read(b)
		if n > 0 {
			p.started = true
			return n, nil
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, os.ErrDeadlineExceeded) {
			return 0, err
		}
		if !p.started && !p.Deadline.IsZero() && !time.Now().Before(p.Deadline) {
			return 0, pkg.ErrTimeout
		}
	}
}

// ReadFrame reads one frame from f.
func ReadFrame(ctx context.Context, done <-chan struct{}, f *os.File, buf []byte, timeout time.Duration) (Frame, error) {
	r := &PipeReader{File: f, Ctx: ctx, Done: done}
	if timeout > 0 {
		r.Deadline = time.Now().Add(timeout)
	}
	return Read(r, buf)
}

// WriteFrame writes one frame to a pipe, waiting for room until ctx is
// done. Frames are smaller than PIPE_BUF, so a write that times out wrote
// nothing.
func WriteFrame(ctx context.Context, f *os.File, buf []byte, typ byte, payload []byte) error {
	n, err := Encode(buf, typ, payload)
	if err != nil {
		return err
	}
	defer func() { _ = f.SetWriteDeadline(time.Time{}) }()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = f.SetWriteDeadline(time.Now().Add(pollSlice))
		_, err := f.Write(buf[:n])
		if err == nil {
			return nil
		}
		if !errors.Is(err, os.ErrDeadlineExceeded) {
			return err
		}
	}
}
