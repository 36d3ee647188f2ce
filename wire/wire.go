// Package wire defines the RFC 4254 connection-protocol messages the
// Connection Service exchanges with its peer once the transport below it
// has already negotiated keys and authenticated the session. Encoding and
// decoding reuse golang.org/x/crypto/ssh's Marshal/Unmarshal.
package wire

import "golang.org/x/crypto/ssh"

// Message numbers, RFC 4254 §6-§9.
const (
	MsgGlobalRequest  = 80
	MsgRequestSuccess = 81
	MsgRequestFailure = 82

	MsgChannelOpen             = 90
	MsgChannelOpenConfirmation = 91
	MsgChannelOpenFailure      = 92
	MsgChannelWindowAdjust     = 93
	MsgChannelData             = 94
	MsgChannelExtendedData     = 95
	MsgChannelEOF              = 96
	MsgChannelClose            = 97
	MsgChannelRequest          = 98
	MsgChannelSuccess          = 99
	MsgChannelFailure          = 100
)

// OPEN_FAILURE reason codes, RFC 4254 §5.1.
const (
	ReasonAdministrativelyProhibited uint32 = 1
	ReasonConnectFailed              uint32 = 2
	ReasonUnknownChannelType         uint32 = 3
	ReasonResourceShortage           uint32 = 4
)

// ExtendedDataTypeStderr is the only SSH_EXTENDED_DATA_* code this core
// accepts on client-to-server session channels (RFC 4254 §5.2).
const ExtendedDataTypeStderr = 1

// ChannelOpenMsg is SSH_MSG_CHANNEL_OPEN. SenderID is the channel id the
// opener assigned on its own side.
type ChannelOpenMsg struct {
	ChanType         string `sshtype:"90"`
	SenderID         uint32
	WindowSize       uint32
	MaxPacketSize    uint32
	TypeSpecificData []byte `ssh:"rest"`
}

// ChannelOpenConfirmationMsg is SSH_MSG_CHANNEL_OPEN_CONFIRMATION.
// RecipientID is the original opener's own channel id (so the opener
// knows which of its channels this confirms); SenderID is the id the
// accepting side assigned.
type ChannelOpenConfirmationMsg struct {
	RecipientID      uint32 `sshtype:"91"`
	SenderID         uint32
	WindowSize       uint32
	MaxPacketSize    uint32
	TypeSpecificData []byte `ssh:"rest"`
}

// ChannelOpenFailureMsg is SSH_MSG_CHANNEL_OPEN_FAILURE.
type ChannelOpenFailureMsg struct {
	RecipientID uint32 `sshtype:"92"`
	Reason      uint32
	Message     string
	Language    string
}

// WindowAdjustMsg is SSH_MSG_CHANNEL_WINDOW_ADJUST.
type WindowAdjustMsg struct {
	RecipientID     uint32 `sshtype:"93"`
	AdditionalBytes uint32
}

// DataMsg is SSH_MSG_CHANNEL_DATA.
type DataMsg struct {
	RecipientID uint32 `sshtype:"94"`
	Data        []byte
}

// ExtendedDataMsg is SSH_MSG_CHANNEL_EXTENDED_DATA.
type ExtendedDataMsg struct {
	RecipientID uint32 `sshtype:"95"`
	DataType    uint32
	Data        []byte
}

// EOFMsg is SSH_MSG_CHANNEL_EOF.
type EOFMsg struct {
	RecipientID uint32 `sshtype:"96"`
}

// CloseMsg is SSH_MSG_CHANNEL_CLOSE.
type CloseMsg struct {
	RecipientID uint32 `sshtype:"97"`
}

// ChannelRequestMsg is SSH_MSG_CHANNEL_REQUEST.
type ChannelRequestMsg struct {
	RecipientID         uint32 `sshtype:"98"`
	Request             string
	WantReply           bool
	RequestSpecificData []byte `ssh:"rest"`
}

// ChannelSuccessMsg is SSH_MSG_CHANNEL_SUCCESS.
type ChannelSuccessMsg struct {
	RecipientID uint32 `sshtype:"99"`
}

// ChannelFailureMsg is SSH_MSG_CHANNEL_FAILURE.
type ChannelFailureMsg struct {
	RecipientID uint32 `sshtype:"100"`
}

// GlobalRequestMsg is SSH_MSG_GLOBAL_REQUEST.
type GlobalRequestMsg struct {
	Type                string `sshtype:"80"`
	WantReply           bool
	RequestSpecificData []byte `ssh:"rest"`
}

// GlobalRequestSuccessMsg is SSH_MSG_REQUEST_SUCCESS.
type GlobalRequestSuccessMsg struct {
	Data []byte `sshtype:"81" ssh:"rest"`
}

// GlobalRequestFailureMsg is SSH_MSG_REQUEST_FAILURE.
type GlobalRequestFailureMsg struct {
	_ struct{} `sshtype:"82"`
}

// Marshal encodes v using ssh.Marshal from golang.org/x/crypto/ssh.
func Marshal(v interface{}) []byte {
	return ssh.Marshal(v)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v interface{}) error {
	return ssh.Unmarshal(data, v)
}
