package pool

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/minermesh/minerpool/logging"
)

// maxFrameSize bounds a single protocol frame. Gradient chunks are the
// largest frames; uploads are chunked well below this.
const maxFrameSize = 4 << 20

// Server accepts miner connections and drives each through the Handler.
// Frames are newline-delimited JSON.
type Server struct {
	handler *Handler
}

func NewServer(handler *Handler) *Server {
	return &Server{handler: handler}
}

// Serve accepts connections until ctx is canceled. The listener is
// closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logger := logging.FromContext(ctx).Named("pool")
	ctx = logging.NewContext(ctx, logger)

	var (
		mu   sync.Mutex
		live = make(map[net.Conn]struct{})
	)
	go func() {
		<-ctx.Done()
		ln.Close()
		// Idle handlers block in Receive; closing their conns
		// unblocks them so Serve can drain.
		mu.Lock()
		defer mu.Unlock()
		for conn := range live {
			conn.Close()
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		mu.Lock()
		if ctx.Err() != nil {
			mu.Unlock()
			conn.Close()
			return nil
		}
		live[conn] = struct{}{}
		mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				mu.Lock()
				delete(live, conn)
				mu.Unlock()
			}()
			if err := s.handler.Serve(ctx, newLineConn(conn)); err != nil {
				logger.Debug("connection ended with error",
					zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
			}
		}()
	}
}

// lineConn frames a net.Conn into newline-delimited messages.
type lineConn struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

func newLineConn(conn net.Conn) *lineConn {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64<<10), maxFrameSize)
	return &lineConn{conn: conn, scanner: scanner}
}

func (c *lineConn) Receive() ([]byte, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return c.scanner.Bytes(), nil
}

func (c *lineConn) Send(reply string) error {
	_, err := c.conn.Write([]byte(strings.TrimRight(reply, "\n") + "\n"))
	return err
}

func (c *lineConn) Close() error {
	return c.conn.Close()
}
