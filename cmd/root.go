// Package cmd provides the server's command-line entry point, built on
// cobra against the connsvc-based server.
package cmd

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
	"golang.org/x/exp/slog"

	"github.com/relayssh/connsvc/connsvc"
	"github.com/relayssh/connsvc/server"
)

// flags mirrors the per-feature Allow* policy toggles plus the
// connection-protocol tuning knobs connsvc.Config exposes.
type flags struct {
	addr       string
	hostKeyPath string
	shell      string
	logLevel   string

	allowExecute            bool
	allowSftp               bool
	allowTcpipForward       bool
	allowDirectTcpip        bool
	allowStreamlocalForward bool
	allowDirectStreamlocal  bool
	allowPasswordAuth       bool

	maxChannels uint32
	windowSize  uint32
	packetSize  uint32
}

// RootCmd returns the root cobra.Command, "go-sshd [flags]", which
// runs the server directly (it has no subcommands).
func RootCmd() *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:   "go-sshd",
		Short: "A minimal SSH server exposing the RFC 4254 connection service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	root.Flags().StringVar(&f.addr, "addr", ":2222", "address to listen on")
	root.Flags().StringVar(&f.hostKeyPath, "host-key", "", "PEM host private key path (generated in memory if empty)")
	root.Flags().StringVar(&f.shell, "shell", "/bin/sh", "shell to run for interactive sessions")
	root.Flags().StringVar(&f.logLevel, "log-level", "info", "debug, info, warn, or error")

	root.Flags().BoolVar(&f.allowExecute, "allow-execute", true, "allow exec/pty-req/shell requests")
	root.Flags().BoolVar(&f.allowSftp, "allow-sftp", true, "allow the sftp subsystem")
	root.Flags().BoolVar(&f.allowTcpipForward, "allow-tcpip-forward", false, "allow remote (-R) port forwarding")
	root.Flags().BoolVar(&f.allowDirectTcpip, "allow-direct-tcpip", true, "allow local (-L) port forwarding")
	root.Flags().BoolVar(&f.allowStreamlocalForward, "allow-streamlocal-forward", false, "allow remote Unix socket forwarding")
	root.Flags().BoolVar(&f.allowDirectStreamlocal, "allow-direct-streamlocal", true, "allow local Unix socket forwarding")
	root.Flags().BoolVar(&f.allowPasswordAuth, "allow-password-auth", false, "accept any password (for local testing only)")

	root.Flags().Uint32Var(&f.maxChannels, "max-channels", 256, "maximum concurrent channels per connection")
	root.Flags().Uint32Var(&f.windowSize, "window-size", 2*1024*1024, "initial per-channel window size")
	root.Flags().Uint32Var(&f.packetSize, "packet-size", 32*1024, "maximum per-channel packet size")

	return root
}

func run(ctx context.Context, f *flags) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(f.logLevel)); err != nil {
		return errors.Wrap(err, "invalid --log-level")
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	hostKey, err := loadOrGenerateHostKey(f.hostKeyPath, log)
	if err != nil {
		return err
	}
	signer, err := ssh.ParsePrivateKey(hostKey)
	if err != nil {
		return errors.Wrap(err, "failed to parse host key")
	}

	sshConfig := &ssh.ServerConfig{
		NoClientAuth: false,
	}
	if f.allowPasswordAuth {
		sshConfig.PasswordCallback = func(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			return &ssh.Permissions{}, nil
		}
	} else {
		sshConfig.PublicKeyCallback = func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, errors.New("public key authentication not configured")
		}
	}
	sshConfig.AddHostKey(signer)

	ln, err := net.Listen("tcp", f.addr)
	if err != nil {
		return errors.Wrap(err, "failed to listen")
	}
	log.Info("listening", "addr", ln.Addr().String())

	l := &server.Listener{
		SSHConfig: sshConfig,
		Shell:     f.shell,
		Policy: server.Policy{
			AllowExecute:            f.allowExecute,
			AllowSftp:               f.allowSftp,
			AllowTcpipForward:       f.allowTcpipForward,
			AllowDirectTcpip:        f.allowDirectTcpip,
			AllowStreamlocalForward: f.allowStreamlocalForward,
			AllowDirectStreamlocal:  f.allowDirectStreamlocal,
		},
		ConnConfig: connsvcConfig(f),
		Log:        log,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return l.Serve(ctx, ln)
}

func connsvcConfig(f *flags) connsvc.Config {
	cfg := connsvc.DefaultConfig()
	cfg.MaxChannels = f.maxChannels
	cfg.WindowSize = f.windowSize
	cfg.PacketSize = f.packetSize
	return cfg
}

func loadOrGenerateHostKey(path string, log *slog.Logger) ([]byte, error) {
	if path == "" {
		log.Info("no --host-key given, generating an ephemeral one")
		return server.GenerateHostKey()
	}
	data, err := os.ReadFile(path)
	if err == nil {
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "failed to read host key")
	}
	log.Info("host key not found, generating one", "path", path)
	key, err := server.GenerateHostKey()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, errors.Wrap(err, "failed to save generated host key")
	}
	return key, nil
}
