package client

import (
	"context"
	"errors"
	"io"

	"golang.org/x/exp/jsonrpc2"
)

// StreamDialer dials a connection made of a separate reader and writer, such
// as a child process's stdout and stdin.
type StreamDialer struct {
	Reader io.ReadCloser
	Writer io.WriteCloser
}

var _ jsonrpc2.Dialer = &StreamDialer{}

func (d *StreamDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	return &stream{r: d.Reader, w: d.Writer}, nil
}

// ConnDialer hands out an already established connection.
type ConnDialer struct {
	Conn io.ReadWriteCloser
}

var _ jsonrpc2.Dialer = &ConnDialer{}

func (d *ConnDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	if d.Conn == nil {
		return nil, errors.New("no connection to dial")
	}
	return d.Conn, nil
}

type stream struct {
	r io.ReadCloser
	w io.WriteCloser
}

var _ io.ReadWriteCloser = &stream{}

func (s *stream) Read(data []byte) (int, error) {
	return s.r.Read(data)
}

func (s *stream) Write(data []byte) (int, error) {
	return s.w.Write(data)
}

func (s *stream) Close() error {
	err := s.w.Close()
	return errors.Join(err, s.r.Close())
}
