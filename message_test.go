package amqp

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage(size int) *Message {
	return &Message{
		Properties:            &MessageProperties{MessageID: "m-1", Subject: "bulk"},
		ApplicationProperties: map[string]interface{}{"k": "v"},
		Data:                  [][]byte{bytes.Repeat([]byte("x"), size)},
	}
}

func TestReassemblyAnySplit(t *testing.T) {
	msg := testMessage(300)
	payload, err := msg.MarshalBinary()
	require.NoError(t, err)

	for size := 1; size <= len(payload); size += 7 {
		frags := splitPayload(payload, size)

		r := newReassembler(0)
		var got *Message
		for i, frag := range frags {
			more := i < len(frags)-1
			got, err = r.add(42, frag, more)
			require.NoError(t, err, "fragment size %d", size)
			if more {
				require.Nil(t, got)
				assert.True(t, r.inProgress(42))
			}
		}
		require.NotNil(t, got, "fragment size %d", size)
		assert.False(t, r.inProgress(42))
		if !testEqual(msg, got) {
			t.Fatalf("fragment size %d:\n%s", size, testDiff(msg, got))
		}
	}
}

func TestSplitPayload(t *testing.T) {
	data := bytes.Repeat([]byte{1}, 10)

	frags := splitPayload(data, 4)
	require.Len(t, frags, 3)
	assert.Len(t, frags[0], 4)
	assert.Len(t, frags[1], 4)
	assert.Len(t, frags[2], 2)

	assert.Len(t, splitPayload(data, 10), 1)
	assert.Equal(t, [][]byte{nil}, splitPayload(nil, 4))
}

func TestMessageFragments(t *testing.T) {
	msg := testMessage(100)
	payload, err := msg.MarshalBinary()
	require.NoError(t, err)

	frags, err := msg.fragments(16)
	require.NoError(t, err)
	assert.Len(t, frags, (len(payload)+15)/16)
	assert.Equal(t, payload, bytes.Join(frags, nil))

	_, err = msg.fragments(0)
	assert.Error(t, err)
}

func TestReassemblyInterleaved(t *testing.T) {
	a, b := testMessage(40), testMessage(80)
	pa, err := a.MarshalBinary()
	require.NoError(t, err)
	pb, err := b.MarshalBinary()
	require.NoError(t, err)

	r := newReassembler(0)
	half := len(pa) / 2
	_, err = r.add(1, pa[:half], true)
	require.NoError(t, err)
	_, err = r.add(2, pb[:10], true)
	require.NoError(t, err)

	got, err := r.add(1, pa[half:], false)
	require.NoError(t, err)
	assert.True(t, testEqual(a, got))

	got, err = r.add(2, pb[10:], false)
	require.NoError(t, err)
	assert.True(t, testEqual(b, got))
}

func TestReassemblyMaxMessageSize(t *testing.T) {
	payload, err := testMessage(100).MarshalBinary()
	require.NoError(t, err)

	r := newReassembler(64)
	_, err = r.add(7, payload[:32], true)
	require.NoError(t, err)

	_, err = r.add(7, payload[32:], true)
	var amqpErr *Error
	require.True(t, errors.As(err, &amqpErr))
	assert.Equal(t, ErrorMessageSizeExceeded, amqpErr.Condition)
	assert.False(t, r.inProgress(7), "an oversized delivery is dropped")

	// single frame deliveries are checked too
	_, err = r.add(8, payload, false)
	require.True(t, errors.As(err, &amqpErr))
	assert.Equal(t, ErrorMessageSizeExceeded, amqpErr.Condition)
}

func TestReassemblyDecodeError(t *testing.T) {
	r := newReassembler(0)
	_, err := r.add(3, []byte{0x00, 0x53, 0x20, 0x40}, false)

	var amqpErr *Error
	require.True(t, errors.As(err, &amqpErr), "got %v", err)
	assert.Equal(t, ErrorDecodeError, amqpErr.Condition)
}

func TestReassemblyDiscardAndAbandon(t *testing.T) {
	r := newReassembler(0)
	_, err := r.add(1, []byte("abc"), true)
	require.NoError(t, err)
	_, err = r.add(2, []byte("defgh"), true)
	require.NoError(t, err)

	r.discard(1)
	assert.False(t, r.inProgress(1))

	cause := errors.New("link went away")
	incomplete := r.abandon(cause)
	require.Len(t, incomplete, 1)
	assert.Equal(t, uint32(2), incomplete[0].DeliveryID)
	assert.Equal(t, 5, incomplete[0].Received)
	assert.True(t, errors.Is(incomplete[0], cause))
	assert.False(t, r.inProgress(2))
}

func TestMessageSingleBody(t *testing.T) {
	msg := &Message{Data: [][]byte{[]byte("a")}, Value: "b"}
	_, err := msg.MarshalBinary()
	assert.Error(t, err)
}

func TestMessageAbsentSections(t *testing.T) {
	b, err := (&Message{Value: "only a value"}).MarshalBinary()
	require.NoError(t, err)

	got := new(Message)
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Nil(t, got.Header)
	assert.Nil(t, got.Properties)
	assert.Nil(t, got.ApplicationProperties)
	assert.Equal(t, "only a value", got.Value)
}
