package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Command is a control request.
type Command string

const (
	CmdReload            Command = "reload"
	CmdPause             Command = "pause"
	CmdResume            Command = "resume"
	CmdTriggerIdle       Command = "trigger_idle"
	CmdTriggerPreSuspend Command = "trigger_presuspend"
	CmdStop              Command = "stop"
	CmdInfo              Command = "info"
	CmdInfoJSON          Command = "info_json"
)

var commands = []Command{
	CmdReload, CmdPause, CmdResume, CmdTriggerIdle,
	CmdTriggerPreSuspend, CmdStop, CmdInfo, CmdInfoJSON,
}

// ParseCommand validates one request line. Hyphens are accepted for
// underscores so that CLI subcommand names work verbatim.
func ParseCommand(line string) (Command, error) {
	name := strings.ReplaceAll(strings.TrimSpace(line), "-", "_")
	for _, c := range commands {
		if string(c) == name {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown command %q", strings.TrimSpace(line))
}

// Reply is the daemon's answer. The wire form is "ok" or "error: <msg>" on
// the first line followed by Body.
type Reply struct {
	Err  error
	Body string
}

func (r Reply) encode() string {
	var b strings.Builder
	if r.Err != nil {
		fmt.Fprintf(&b, "error: %s\n", r.Err)
	} else {
		b.WriteString("ok\n")
	}
	if r.Body != "" {
		b.WriteString(r.Body)
		if !strings.HasSuffix(r.Body, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func decodeReply(data string) (Reply, error) {
	head, body, _ := strings.Cut(data, "\n")
	switch {
	case head == "ok":
		return Reply{Body: body}, nil
	case strings.HasPrefix(head, "error: "):
		return Reply{Err: errors.New(strings.TrimPrefix(head, "error: ")), Body: body}, nil
	default:
		return Reply{}, fmt.Errorf("malformed reply %q", head)
	}
}

// Request is a control command waiting for the daemon loop's answer.
type Request struct {
	Command Command
	reply   chan Reply
}

// NewRequest returns a request for in-process callers such as signal
// handlers.
func NewRequest(cmd Command) Request {
	return Request{Command: cmd, reply: make(chan Reply, 1)}
}

// Respond answers the request. It never blocks.
func (r Request) Respond(reply Reply) {
	select {
	case r.reply <- reply:
	default:
	}
}

// Wait returns the reply or ctx's error.
func (r Request) Wait(ctx context.Context) (Reply, error) {
	select {
	case reply := <-r.reply:
		return reply, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// DefaultReplyTimeout bounds how long a connection waits for the loop.
const DefaultReplyTimeout = 10 * time.Second

// Server accepts control connections on a unix socket and forwards their
// commands to Requests. Only connections from the daemon's own user are
// served.
type Server struct {
	listener net.Listener
	path     string
	logger   *slog.Logger
	requests chan Request
	timeout  time.Duration

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

// Listen creates the socket at path. A stale socket file is replaced; a
// live one means another instance owns it.
func Listen(path string, logger *slog.Logger) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if conn, err := net.DialTimeout("unix", path, time.Second); err == nil {
			conn.Close()
			return nil, fmt.Errorf("%w: socket %s is in use", ErrAlreadyRunning, path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to restrict socket permissions: %w", err)
	}

	s := &Server{
		listener: l,
		path:     path,
		logger:   logger,
		requests: make(chan Request),
		timeout:  DefaultReplyTimeout,
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.accept()
	return s, nil
}

// Requests delivers commands for the daemon loop to answer.
func (s *Server) Requests() <-chan Request { return s.requests }

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Warn("control socket accept failed", "error", err)
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(s.timeout + time.Second))

	if uc, ok := conn.(*net.UnixConn); ok {
		if err := checkPeer(uc); err != nil {
			s.logger.Warn("rejected control connection", "error", err)
			io.WriteString(conn, Reply{Err: err}.encode())
			return
		}
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}

	cmd, err := ParseCommand(line)
	if err != nil {
		io.WriteString(conn, Reply{Err: err}.encode())
		return
	}

	req := NewRequest(cmd)
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	select {
	case s.requests <- req:
	case <-s.done:
		io.WriteString(conn, Reply{Err: errors.New("daemon is shutting down")}.encode())
		return
	case <-ctx.Done():
		io.WriteString(conn, Reply{Err: errors.New("daemon busy")}.encode())
		return
	}

	var reply Reply
	select {
	case reply = <-req.reply:
	case <-ctx.Done():
		reply = Reply{Err: fmt.Errorf("no reply: %w", ctx.Err())}
	case <-s.done:
		select {
		case reply = <-req.reply:
		default:
			reply = Reply{Err: errors.New("daemon is shutting down")}
		}
	}
	io.WriteString(conn, reply.encode())
}

// checkPeer rejects connections from other users.
func checkPeer(conn *net.UnixConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return err
	}
	if credErr != nil {
		return fmt.Errorf("peer credentials: %w", credErr)
	}
	if int(cred.Uid) != os.Getuid() {
		return fmt.Errorf("uid %d is not allowed", cred.Uid)
	}
	return nil
}

// Close stops accepting, waits for open connections and removes the socket.
func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.listener.Close()
		s.wg.Wait()
		os.Remove(s.path)
	})
	return err
}

// Send issues one command to the daemon at path and returns its reply.
// ErrNotRunning is returned when nothing listens on the socket.
func Send(path string, cmd Command, timeout time.Duration) (Reply, error) {
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	if _, err := io.WriteString(conn, string(cmd)+"\n"); err != nil {
		return Reply{}, fmt.Errorf("failed to send %s: %w", cmd, err)
	}

	data, err := io.ReadAll(conn)
	if err != nil {
		return Reply{}, fmt.Errorf("failed to read reply: %w", err)
	}
	return decodeReply(string(data))
}
