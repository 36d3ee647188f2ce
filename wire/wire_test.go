package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelOpenMsgRoundTrip(t *testing.T) {
	in := ChannelOpenMsg{
		ChanType:         "session",
		SenderID:         7,
		WindowSize:       1 << 20,
		MaxPacketSize:    32 * 1024,
		TypeSpecificData: []byte{1, 2, 3},
	}
	data := Marshal(in)

	var out ChannelOpenMsg
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestChannelRequestMsgRoundTrip(t *testing.T) {
	in := ChannelRequestMsg{
		RecipientID:         3,
		Request:             "exec",
		WantReply:           true,
		RequestSpecificData: []byte("echo hi"),
	}
	data := Marshal(in)

	var out ChannelRequestMsg
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)
}
