package connsvc

import "time"

// Config carries the connection service's tunable properties and its
// session-refusal policy. The per-feature toggles (execute, sftp, tcpip
// forward, direct-tcpip, streamlocal forward, direct-streamlocal) are
// not part of Config; they live in server.Policy.
type Config struct {
	// MaxChannels is "max-sshd-channels": the concurrent channel cap
	// enforced by registerChannel. Zero means unlimited.
	MaxChannels uint32

	// WindowSize is "window-size": the initial local window advertised
	// for every new channel.
	WindowSize uint32

	// PacketSize is "packet-size": the maximum packet size advertised
	// for every new channel.
	PacketSize uint32

	// ChannelOpenTimeout bounds how long an inbound Kind.Accept may run
	// before the half-open channel is abandoned ("channel-open-timeout-ms").
	ChannelOpenTimeout time.Duration

	// AllowMoreSessions seeds the allowMoreSessions latch; it can still
	// be changed at runtime via SetAllowMoreSessions or the
	// no-more-sessions@openssh.com global request.
	AllowMoreSessions bool

	// StrictSessionPolicy controls what AllowMoreSessions=false refuses:
	// true restricts it to "session" channel opens only (the stricter
	// RFC 4254 reading, and the default here); false extends the
	// refusal to every inbound channel-open, matching some legacy
	// interop targets.
	StrictSessionPolicy bool
}

// DefaultConfig returns a permissive single-user server posture with a
// bounded channel count.
func DefaultConfig() Config {
	return Config{
		MaxChannels:         256,
		WindowSize:          2 * 1024 * 1024,
		PacketSize:          32 * 1024,
		ChannelOpenTimeout:  30 * time.Second,
		AllowMoreSessions:   true,
		StrictSessionPolicy: true,
	}
}
