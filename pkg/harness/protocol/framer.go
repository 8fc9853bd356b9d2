package protocol

import (
	"bufio"
	"context"
	"io"
	"sync"

	"golang.org/x/exp/jsonrpc2"
)

// MaxMessageSize bounds a single framed message. loadModule carries whole
// source files, so the bufio default of 64KiB is too small.
const MaxMessageSize = 16 << 20

// LineFramer returns a framer for newline-delimited JSON-RPC messages.
func LineFramer() jsonrpc2.Framer {
	return lineFramer{}
}

type lineFramer struct{}

func (lineFramer) Reader(r io.Reader) jsonrpc2.Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxMessageSize)
	return &lineReader{sc: sc}
}

func (lineFramer) Writer(w io.Writer) jsonrpc2.Writer {
	return &lineWriter{w: w}
}

type line struct {
	data []byte
	err  error
}

// lineReader pumps the scanner from a single goroutine so that a canceled
// Read does not strand a blocked scan.
type lineReader struct {
	sc    *bufio.Scanner
	lines chan line
	once  sync.Once
}

func (r *lineReader) pump() {
	r.lines = make(chan line)
	go func() {
		defer close(r.lines)
		for r.sc.Scan() {
			raw := r.sc.Bytes()
			if len(raw) == 0 {
				continue
			}
			data := make([]byte, len(raw))
			copy(data, raw)
			r.lines <- line{data: data}
		}
		if err := r.sc.Err(); err != nil {
			r.lines <- line{err: err}
		}
	}()
}

func (r *lineReader) Read(ctx context.Context) (jsonrpc2.Message, int64, error) {
	r.once.Do(r.pump)

	select {
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	case l, ok := <-r.lines:
		if !ok {
			return nil, 0, io.EOF
		}
		if l.err != nil {
			return nil, 0, l.err
		}

		msg, err := jsonrpc2.DecodeMessage(l.data)
		if err != nil {
			return nil, 0, err
		}
		return msg, int64(len(l.data)), nil
	}
}

type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *lineWriter) Write(ctx context.Context, msg jsonrpc2.Message) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return 0, err
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.w.Write(data)
	return int64(n), err
}
