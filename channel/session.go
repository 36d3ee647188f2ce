package channel

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	shellwords "github.com/mattn/go-shellwords"
	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/exp/slog"

	"github.com/relayssh/connsvc/internal/iopipe"
	"github.com/relayssh/connsvc/router"
	"github.com/relayssh/connsvc/wire"
)

// exitStatusMsg is the "exit-status" channel-request payload RFC 4254
// §6.10 sends once a session's subprocess terminates.
type exitStatusMsg struct {
	Status uint32
}

type ptyRequestMsg struct {
	Term                      string
	Width, Height             uint32
	WidthPixels, HeightPixels uint32
	Modes                     string
}

type windowChangeMsg struct {
	Width, Height             uint32
	WidthPixels, HeightPixels uint32
}

type execMsg struct {
	Command string
}

type subsystemMsg struct {
	Name string
}

// Session is the Kind for "session" channels: shell/exec under an
// optional pty, and the sftp subsystem. A subprocess's lifetime never
// blocks the single per-connection dispatcher goroutine — Start
// launches it and hands its exit status back through a goroutine of
// its own.
type Session struct {
	log          *slog.Logger
	shell        string
	allowExecute bool
	allowSftp    bool

	stdin *iopipe.Queue

	mu      sync.Mutex
	ptyFile *os.File
	cmd     *exec.Cmd
	started bool
}

// NewSessionFactory returns a Factory (connsvc.Factory's shape) that
// builds one Session per inbound "session" channel open.
func NewSessionFactory(shell string, allowExecute, allowSftp bool, log *slog.Logger) func() Kind {
	return func() Kind {
		return &Session{
			log:          log,
			shell:        shell,
			allowExecute: allowExecute,
			allowSftp:    allowSftp,
			stdin:        iopipe.NewQueue(),
		}
	}
}

func (s *Session) Type() string { return "session" }

// Accept always succeeds: RFC 4254 session opens carry no type-specific
// data, and policy (AllowExecute/AllowSftp) is enforced per-request,
// not at open time, so every session is accepted and only individual
// requests get refused.
func (s *Session) Accept(ctx context.Context, ch *Channel, typeData []byte) ([]byte, error) {
	return nil, nil
}

func (s *Session) HandleData(ch *Channel, data []byte) error {
	s.stdin.Write(data)
	return nil
}

// HandleExtendedData: RFC 4254 defines no client-to-server extended
// data type for session channels other than stderr, which servers never
// receive; anything arriving here is simply discarded.
func (s *Session) HandleExtendedData(ch *Channel, dataType uint32, data []byte) error {
	return nil
}

func (s *Session) HandleEOF(ch *Channel) {
	s.stdin.Close()
}

func (s *Session) HandleClose(ch *Channel) {
	s.stdin.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ptyFile != nil {
		s.ptyFile.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
}

func (s *Session) HandleRequest(ch *Channel, req *router.Request) (router.Result, error) {
	switch req.Name {
	case "pty-req":
		return s.handlePtyReq(ch, req)
	case "window-change":
		return s.handleWindowChange(req)
	case "shell":
		return s.handleShell(ch, req)
	case "exec":
		return s.handleExec(ch, req)
	case "subsystem":
		return s.handleSubsystem(ch, req)
	default:
		return router.Unsupported, nil
	}
}

func (s *Session) handlePtyReq(ch *Channel, req *router.Request) (router.Result, error) {
	if !s.allowExecute {
		s.log.Info("execution not allowed (pty-req)")
		return router.ReplyFailure, nil
	}
	var msg ptyRequestMsg
	if err := wire.Unmarshal(req.Payload, &msg); err != nil {
		return router.ReplyFailure, errors.Wrap(err, "session: malformed pty-req")
	}

	cmd := exec.Command(s.shell)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return router.ReplyFailure, errors.Wrap(err, "session: failed to start pty")
	}
	_ = pty.Setsize(ptmx, &pty.Winsize{Rows: uint16(msg.Height), Cols: uint16(msg.Width)})

	s.mu.Lock()
	s.ptyFile = ptmx
	s.cmd = cmd
	s.started = true
	s.mu.Unlock()

	s.pipeSubprocess(ch, ptmx, ptmx, nil, cmd)
	return router.ReplySuccess, nil
}

func (s *Session) handleWindowChange(req *router.Request) (router.Result, error) {
	var msg windowChangeMsg
	if err := wire.Unmarshal(req.Payload, &msg); err != nil {
		return router.Replied, nil // window-change never wants a reply
	}
	s.mu.Lock()
	ptmx := s.ptyFile
	s.mu.Unlock()
	if ptmx != nil {
		_ = pty.Setsize(ptmx, &pty.Winsize{Rows: uint16(msg.Height), Cols: uint16(msg.Width)})
	}
	return router.Replied, nil
}

func (s *Session) handleShell(ch *Channel, req *router.Request) (router.Result, error) {
	if len(req.Payload) != 0 {
		return router.ReplyFailure, nil
	}
	s.mu.Lock()
	alreadyStarted := s.started
	s.mu.Unlock()
	if alreadyStarted {
		// A pty-req already started the shell under the pty.
		return router.ReplySuccess, nil
	}
	if !s.allowExecute {
		s.log.Info("execution not allowed (shell)")
		return router.ReplyFailure, nil
	}

	cmd := exec.Command(s.shell)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return router.ReplyFailure, errors.Wrap(err, "session: stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return router.ReplyFailure, errors.Wrap(err, "session: stderr pipe")
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return router.ReplyFailure, errors.Wrap(err, "session: stdin pipe")
	}
	if err := cmd.Start(); err != nil {
		return router.ReplyFailure, errors.Wrap(err, "session: failed to start shell")
	}

	s.mu.Lock()
	s.cmd = cmd
	s.started = true
	s.mu.Unlock()

	go io.Copy(stdin, s.stdin)
	s.pipeSubprocess(ch, stdout, nil, stderr, cmd)
	return router.ReplySuccess, nil
}

func (s *Session) handleExec(ch *Channel, req *router.Request) (router.Result, error) {
	if !s.allowExecute {
		s.log.Info("execution not allowed (exec)")
		return router.ReplyFailure, nil
	}
	var msg execMsg
	if err := wire.Unmarshal(req.Payload, &msg); err != nil {
		return router.ReplyFailure, errors.Wrap(err, "session: malformed exec")
	}
	cmdSlice, err := shellwords.Parse(msg.Command)
	if err != nil || len(cmdSlice) == 0 {
		return router.ReplyFailure, errors.Wrap(err, "session: failed to parse command")
	}

	cmd := exec.Command(cmdSlice[0], cmdSlice[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return router.ReplyFailure, errors.Wrap(err, "session: stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return router.ReplyFailure, errors.Wrap(err, "session: stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return router.ReplyFailure, errors.Wrap(err, "session: stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		return router.ReplyFailure, errors.Wrap(err, "session: failed to start command")
	}

	s.mu.Lock()
	s.cmd = cmd
	s.started = true
	s.mu.Unlock()

	go io.Copy(stdin, s.stdin)
	s.pipeSubprocess(ch, stdout, nil, stderr, cmd)
	return router.ReplySuccess, nil
}

// pipeSubprocess wires a subprocess's output streams to the channel and
// arranges for exit-status, EOF and CLOSE to be sent once it exits. out
// carries stdout, or the pty master when running under a pty; ptyIn is
// then the same pty master and receives the channel's inbound data
// (nil without a pty). errOut carries stderr when running without a pty.
func (s *Session) pipeSubprocess(ch *Channel, out io.Reader, ptyIn io.Writer, errOut io.Reader, cmd *exec.Cmd) {
	ctx := context.Background()
	done := make(chan struct{})

	go func() {
		io.Copy(chanWriter{ch: ch, ctx: ctx}, out)
		close(done)
	}()
	if errOut != nil {
		go io.Copy(chanStderrWriter{ch: ch, ctx: ctx}, errOut)
	}
	if ptyIn != nil {
		go io.Copy(ptyIn, s.stdin)
	}

	go func() {
		<-done
		var exitCode int
		if err := cmd.Wait(); err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			}
		}
		ch.SendRequest("exit-status", false, wire.Marshal(exitStatusMsg{Status: uint32(exitCode)}))
		ch.SendEOF()
		ch.SendClose()
	}()
}

func (s *Session) handleSubsystem(ch *Channel, req *router.Request) (router.Result, error) {
	var msg subsystemMsg
	if err := wire.Unmarshal(req.Payload, &msg); err != nil {
		return router.ReplyFailure, errors.Wrap(err, "session: malformed subsystem request")
	}
	if msg.Name != "sftp" {
		return router.ReplyFailure, nil
	}
	if !s.allowSftp {
		s.log.Info("sftp not allowed")
		return router.ReplyFailure, nil
	}

	ctx := context.Background()
	rwc := chanReadWriteCloser{ch: ch, ctx: ctx, r: s.stdin}
	sftpServer, err := sftp.NewServer(rwc, sftp.WithDebug(io.Discard))
	if err != nil {
		return router.ReplyFailure, errors.Wrap(err, "session: failed to create sftp server")
	}
	go func() {
		err := sftpServer.Serve()
		sftpServer.Close()
		if err != nil && err != io.EOF {
			s.log.Info("sftp server exited", "err", err)
		}
		ch.SendEOF()
		ch.SendClose()
	}()
	return router.ReplySuccess, nil
}

// chanWriter adapts Channel.SendData to io.Writer for io.Copy.
type chanWriter struct {
	ch  *Channel
	ctx context.Context
}

func (w chanWriter) Write(p []byte) (int, error) { return w.ch.SendData(w.ctx, p) }

// chanStderrWriter adapts Channel.SendExtendedData (stderr) to io.Writer.
type chanStderrWriter struct {
	ch  *Channel
	ctx context.Context
}

func (w chanStderrWriter) Write(p []byte) (int, error) {
	return w.ch.SendExtendedData(w.ctx, wire.ExtendedDataTypeStderr, p)
}

// chanReadWriteCloser adapts a Channel plus its inbound queue to the
// io.ReadWriteCloser github.com/pkg/sftp.NewServer requires.
type chanReadWriteCloser struct {
	ch  *Channel
	ctx context.Context
	r   io.Reader
}

func (rw chanReadWriteCloser) Read(p []byte) (int, error)  { return rw.r.Read(p) }
func (rw chanReadWriteCloser) Write(p []byte) (int, error) { return rw.ch.SendData(rw.ctx, p) }
func (rw chanReadWriteCloser) Close() error {
	rw.ch.SendEOF()
	rw.ch.SendClose()
	return nil
}
