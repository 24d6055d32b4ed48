package transport

import (
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Zylum-Inc/dmpclient/dmp"
	"github.com/Zylum-Inc/dmpclient/messagestore"
)

var testExpected = expectedResponse{
	groupID:   dmp.GroupImageManagement,
	commandID: dmp.CmdImageUpload,
	sequence:  5,
}

// message returns a full DMP message for the given header fields and body.
func message(t *testing.T, op dmp.Op, group dmp.GroupID, cmd dmp.CommandID, seq uint8, body []byte) []byte {
	h := dmp.Header{
		Op:        op,
		Length:    uint16(len(body)),
		GroupID:   group,
		Sequence:  seq,
		CommandID: cmd,
	}
	b, err := h.MarshalBinary()
	require.NoError(t, err)
	return append(b, body...)
}

func frame(fCnt uint32, payload []byte) messagestore.Message {
	return messagestore.Message{
		CapturedAt: fmt.Sprintf("2024-05-01T10:30:%02dZ", fCnt),
		FCnt:       fCnt,
		FPort:      2,
		Payload:    base64.StdEncoding.EncodeToString(payload),
	}
}

func body(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestAssembleSingleFrame(t *testing.T) {
	assert := require.New(t)

	msg := message(t, dmp.OpWriteResponse, dmp.GroupImageManagement, dmp.CmdImageUpload, 5, body(16))

	data, remaining, err := assembleFrames([]messagestore.Message{frame(1, msg)}, testExpected)
	assert.NoError(err)
	assert.Equal(msg, data)
	assert.Empty(remaining)
}

func TestAssembleMultiFrame(t *testing.T) {
	assert := require.New(t)

	msg := message(t, dmp.OpWriteResponse, dmp.GroupImageManagement, dmp.CmdImageUpload, 5, body(190))
	assert.Len(msg, 198)

	frames := []messagestore.Message{
		frame(1, msg[:64]),
		frame(2, msg[64:128]),
		frame(3, msg[128:198]),
	}

	data, remaining, err := assembleFrames(frames, testExpected)
	assert.NoError(err)
	assert.Equal(msg, data)
	assert.Empty(remaining)
}

func TestAssembleMultiFrameWithInterleavedForeign(t *testing.T) {
	assert := require.New(t)

	msg := message(t, dmp.OpWriteResponse, dmp.GroupImageManagement, dmp.CmdImageUpload, 5, body(190))
	foreign := message(t, dmp.OpReadResponse, dmp.GroupOSManagement, dmp.CommandID(0), 9, body(4))

	frames := []messagestore.Message{
		frame(1, msg[:64]),
		frame(2, foreign),
		frame(3, msg[64:128]),
		frame(4, msg[128:198]),
	}

	data, remaining, err := assembleFrames(frames, testExpected)
	assert.NoError(err)
	assert.Equal(msg, data)
	assert.Len(remaining, 1)
	assert.Equal(uint32(2), remaining[0].FCnt)
}

func TestAssembleCompleteMismatchIsDropped(t *testing.T) {
	assert := require.New(t)

	stale := message(t, dmp.OpWriteResponse, dmp.GroupImageManagement, dmp.CmdImageUpload, 4, body(8))
	fresh := message(t, dmp.OpWriteResponse, dmp.GroupImageManagement, dmp.CmdImageUpload, 5, body(8))

	frames := []messagestore.Message{
		frame(1, stale),
		frame(2, fresh),
	}

	data, remaining, err := assembleFrames(frames, testExpected)
	assert.NoError(err)
	assert.Equal(fresh, data)
	// the stale complete message is consumed, not carried over
	assert.Empty(remaining)
}

func TestAssembleIncomplete(t *testing.T) {
	assert := require.New(t)

	msg := message(t, dmp.OpWriteResponse, dmp.GroupImageManagement, dmp.CmdImageUpload, 5, body(190))

	frames := []messagestore.Message{
		frame(1, msg[:64]),
		frame(2, msg[64:128]),
	}

	data, remaining, err := assembleFrames(frames, testExpected)
	assert.NoError(err)
	assert.Nil(data)
	// both partial frames stay pending for the next tick
	assert.Len(remaining, 2)
}

func TestAssembleForeignPartialStaysPending(t *testing.T) {
	assert := require.New(t)

	foreign := message(t, dmp.OpReadResponse, dmp.GroupOSManagement, dmp.CommandID(0), 9, body(64))

	data, remaining, err := assembleFrames([]messagestore.Message{frame(1, foreign[:32])}, testExpected)
	assert.NoError(err)
	assert.Nil(data)
	assert.Len(remaining, 1)
}

func TestAssembleMalformed(t *testing.T) {
	tests := []struct {
		Name   string
		Frames []messagestore.Message
	}{
		{
			Name:   "op out of range",
			Frames: []messagestore.Message{frame(1, []byte{0x07, 0, 0, 4, 0, 1, 5, 1, 1, 2, 3, 4})},
		},
		{
			Name:   "shorter than a header",
			Frames: []messagestore.Message{frame(1, []byte{0x03, 0x00, 0x00})},
		},
		{
			Name: "buffer exceeds message length",
			Frames: func() []messagestore.Message {
				msg := message(t, dmp.OpWriteResponse, dmp.GroupImageManagement, dmp.CmdImageUpload, 5, body(4))
				// first frame is a partial 10 of 12 bytes, continuation
				// carries 5 more
				return []messagestore.Message{
					frame(1, msg[:10]),
					frame(2, []byte{1, 2, 3, 4, 5}),
				}
			}(),
		},
		{
			Name: "single frame longer than its message",
			Frames: func() []messagestore.Message {
				msg := message(t, dmp.OpWriteResponse, dmp.GroupImageManagement, dmp.CmdImageUpload, 5, body(4))
				return []messagestore.Message{frame(1, append(msg, 0xff))}
			}(),
		},
		{
			Name: "payload is not base64",
			Frames: []messagestore.Message{
				{CapturedAt: "2024-05-01T10:30:01Z", FCnt: 1, Payload: "not base64!"},
			},
		},
	}

	for _, tst := range tests {
		t.Run(tst.Name, func(t *testing.T) {
			assert := require.New(t)

			_, _, err := assembleFrames(tst.Frames, testExpected)
			assert.Error(err)
			assert.Contains(err.Error(), ErrMalformedResponse.Error())
		})
	}
}

func TestAssembleSequenceMismatchOnCompletion(t *testing.T) {
	assert := require.New(t)

	stale := message(t, dmp.OpWriteResponse, dmp.GroupImageManagement, dmp.CmdImageUpload, 4, body(24))

	frames := []messagestore.Message{
		frame(1, stale[:16]),
		frame(2, stale[16:32]),
	}

	data, remaining, err := assembleFrames(frames, testExpected)
	assert.NoError(err)
	assert.Nil(data)
	// the assembly is dropped, the completing frame stays pending
	assert.Len(remaining, 1)
	assert.Equal(uint32(2), remaining[0].FCnt)
}
