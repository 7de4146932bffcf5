package amqp

import (
	"testing"
)

func FuzzParseFrame(f *testing.F) {
	for _, tt := range exampleFrames {
		b, err := encodeFrame(tt.frame, 0)
		if err != nil {
			f.Fatal(err)
		}
		f.Add(b)
	}
	f.Add(heartbeatFrame)

	f.Fuzz(func(t *testing.T, data []byte) {
		_, n, err := parseFrame(data, DefaultMaxFrameSize)
		if err != nil {
			if n != 0 {
				t.Fatalf("consumed %d bytes on error %v", n, err)
			}
			return
		}
		if n < frameHeaderSize || n > len(data) {
			t.Fatalf("consumed %d of %d bytes", n, len(data))
		}
	})
}

func FuzzMessageUnmarshal(f *testing.F) {
	for _, msg := range []*Message{
		NewMessage([]byte("seed")),
		{Value: "value body", ApplicationProperties: map[string]interface{}{"k": int64(1)}},
		{Header: &MessageHeader{Durable: true}, Properties: &MessageProperties{Subject: "s"}, Sequence: [][]interface{}{{"a", int64(2)}}},
	} {
		b, err := msg.MarshalBinary()
		if err != nil {
			f.Fatal(err)
		}
		f.Add(b)
	}

	f.Fuzz(func(t *testing.T, data []byte) {
		r := newReassembler(uint64(len(data)))
		frags := splitPayload(data, 7)
		for i, frag := range frags {
			if _, err := r.add(0, frag, i < len(frags)-1); err != nil {
				return
			}
		}
	})
}
