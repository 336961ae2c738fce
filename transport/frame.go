package transport

import (
	"fmt"
	"io"

	"remoting/codec"
	"remoting/message"
	"remoting/protocol"
)

// WriteMessage encodes msg with the given codec and writes it as one frame.
// The caller must serialize writes to w.
func WriteMessage(w io.Writer, ct codec.CodecType, msg message.Message) error {
	body, err := codec.GetCodec(ct).Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %v message: %w", msg.Kind(), err)
	}
	header := protocol.Header{
		CodecType: byte(ct),
		FrameType: protocol.FrameType(msg.Kind()),
		BodyLen:   uint32(len(body)),
	}
	return protocol.Encode(w, &header, body)
}

// WriteHeartbeat writes an empty heartbeat frame.
func WriteHeartbeat(w io.Writer, ct codec.CodecType) error {
	return protocol.Encode(w, &protocol.Header{CodecType: byte(ct), FrameType: protocol.FrameHeartbeat}, nil)
}

// ReadMessage reads one frame and decodes it into the concrete message type named by the
// frame header. Heartbeat frames yield a nil message and a nil error.
func ReadMessage(r io.Reader) (message.Message, codec.CodecType, error) {
	header, body, err := protocol.Decode(r)
	if err != nil {
		return nil, 0, err
	}
	ct := codec.CodecType(header.CodecType)
	if header.FrameType == protocol.FrameHeartbeat {
		return nil, ct, nil
	}

	msg, err := message.New(message.Kind(header.FrameType))
	if err != nil {
		return nil, ct, err
	}
	if err := codec.GetCodec(ct).Decode(body, msg); err != nil {
		return nil, ct, fmt.Errorf("decode %v message: %w", msg.Kind(), err)
	}
	return msg, ct, nil
}
