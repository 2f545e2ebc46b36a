package front

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"
	"golang.org/x/net/netutil"

	"github.com/mqy/chatmux/hub"
)

const (
	// Time allowed to write a line to the client.
	writeWait = 3 * time.Second

	// Max length of an input line.
	maxLineBytes = 64 * 1024
)

// Attacher is the part of `hub.Hub` the transports need.
type Attacher interface {
	Attach(ctx context.Context, c hub.Conn) error
	Detach(c hub.Conn)
}

// Listen opens a tcp or unix listener accepting at most maxConns connections at a time.
// A stale unix socket file is removed first.
func Listen(network, addr string, maxConns int) (net.Listener, error) {
	if network == "unix" {
		if err := removeStaleSocket(addr); err != nil {
			return nil, err
		}
	}
	lis, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}
	if network == "unix" {
		if err := os.Chmod(addr, 0600); err != nil {
			lis.Close()
			return nil, fmt.Errorf("chmod %s: %w", addr, err)
		}
	}
	if maxConns > 0 {
		lis = netutil.LimitListener(lis, maxConns)
	}
	return lis, nil
}

func removeStaleSocket(path string) error {
	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("`%s` exists and is not a socket", path)
	}
	if c, err := net.Dial("unix", path); err == nil {
		c.Close()
		return fmt.Errorf("`%s` is in use", path)
	}
	glog.Infof("front: remove stale socket %s", path)
	return os.Remove(path)
}

// lineConn is a client on a stream connection, one line per command and response.
type lineConn struct {
	id   string
	nc   net.Conn
	w    *bufio.Writer
	once sync.Once
}

func newLineConn(nc net.Conn) *lineConn {
	return &lineConn{
		id: strings.ReplaceAll(uuid.New(), "-", ""),
		nc: nc,
		w:  bufio.NewWriter(nc),
	}
}

func (c *lineConn) ID() string { return c.id }

func (c *lineConn) String() string {
	return fmt.Sprintf("%s (%s)", c.id, c.nc.RemoteAddr())
}

func (c *lineConn) WriteLine(line string) error {
	_ = c.nc.SetWriteDeadline(time.Now().Add(writeWait))
	if _, err := c.w.WriteString(line); err != nil {
		return err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *lineConn) Close() {
	c.once.Do(func() { _ = c.nc.Close() })
}

// Server serves front clients on stream listeners.
type Server struct {
	hub        Attacher
	dispatcher *Dispatcher

	wg sync.WaitGroup
}

func NewServer(h Attacher, d *Dispatcher) *Server {
	return &Server{hub: h, dispatcher: d}
}

// Serve accepts connections until ctx is done. Connections outlive ctx: they end when the
// hub drops them or stops, see Wait.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	glog.Infof("front: listening %s %s", lis.Addr().Network(), lis.Addr())

	stopC := make(chan struct{})
	defer close(stopC)
	go func() {
		select {
		case <-ctx.Done():
			lis.Close()
		case <-stopC:
		}
	}()

	for {
		nc, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				glog.Infof("front: listener %s closed", lis.Addr())
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		c := newLineConn(nc)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(c)
		}()
	}
}

// Wait waits for all connections to end.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) serveConn(c *lineConn) {
	ctx := context.Background()
	glog.Infof("front: client %s connected", c)
	defer func() {
		s.hub.Detach(c)
		c.Close()
		glog.Infof("front: client %s disconnected", c)
	}()

	if err := s.hub.Attach(ctx, c); err != nil {
		glog.Errorf("front: client %s: attach: %v", c, err)
		return
	}

	r := bufio.NewReader(c.nc)
	var buf []byte
	for {
		line, err := readInput(r, buf)
		if errors.Is(err, errLineTooLong) {
			glog.Warningf("front: client %s: input line over %d bytes discarded", c, maxLineBytes)
			if err := s.dispatcher.LineTooLong(ctx, c); err != nil {
				glog.Errorf("front: client %s: %v", c, err)
				return
			}
			continue
		}
		if err != nil {
			if err != io.EOF {
				glog.V(5).Infof("front: client %s: read error: %v", c, err)
			}
			return
		}
		if err := s.dispatcher.Handle(ctx, c, string(line)); err != nil {
			glog.Errorf("front: client %s: %v", c, err)
			return
		}
		buf = line[:0]
	}
}

var errLineTooLong = errors.New("line too long")

// readInput reads one line into buf without the newline. A line over maxLineBytes is
// discarded up to its newline and gives errLineTooLong. A last line without newline is
// returned before io.EOF.
func readInput(r *bufio.Reader, buf []byte) ([]byte, error) {
	buf = buf[:0]
	tooLong := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(chunk) > maxLineBytes+1 {
				tooLong = true
				buf = buf[:0]
			} else {
				buf = append(buf, chunk...)
			}
		}
		switch {
		case err == bufio.ErrBufferFull:
			continue
		case err == io.EOF && len(buf) > 0 && !tooLong:
			return buf, nil
		case err != nil:
			return nil, err
		case tooLong:
			return nil, errLineTooLong
		}
		return buf[:len(buf)-1], nil
	}
}
