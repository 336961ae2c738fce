package codec

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"remoting/message"
)

var (
	errShortBuffer = errors.New("BinaryCodec: short buffer")
	// ErrFieldTooLong is returned by Encode when a value does not fit its length prefix.
	ErrFieldTooLong = errors.New("BinaryCodec: field too long")
)

// BinaryCodec lays each message out as length-prefixed fields in big-endian order.
//
//	MethodMessage:   id u64 | method s16 | traceId s16 | nParams u16 | params b32... | returnValue b32 | errorMessage s32
//	EventMessage:    eventName s16 | flag u8 | computeId s16 | hasArgs u8 | [cancel u8 | nVersions u16 | versions i32... | data b32]
//	MetadataMessage: eventVersion i32 | clientId s16
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	w := &binWriter{}
	switch msg := v.(type) {
	case *message.MethodMessage:
		w.u64(msg.ID)
		w.str16("method", msg.Method)
		w.str16("traceId", msg.TraceID)
		w.count16("parameters", len(msg.Parameters))
		for _, p := range msg.Parameters {
			w.bytes32("parameter", p)
		}
		w.bytes32("returnValue", msg.ReturnValue)
		w.bytes32("errorMessage", []byte(msg.ErrorMessage))
	case *message.EventMessage:
		w.str16("eventName", msg.EventName)
		w.u8(byte(msg.Flag))
		w.str16("computeId", msg.ComputeID)
		if msg.Args == nil {
			w.u8(0)
			break
		}
		w.u8(1)
		w.bool(msg.Args.Cancel)
		w.count16("versions", len(msg.Args.Versions))
		for _, ver := range msg.Args.Versions {
			w.i32("version", ver)
		}
		w.bytes32("data", msg.Args.Data)
	case *message.MetadataMessage:
		w.i32("eventVersion", msg.EventVersion)
		w.str16("clientId", msg.ClientID)
	default:
		return nil, fmt.Errorf("BinaryCodec: unsupported type %T", v)
	}
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	r := &binReader{buf: data}
	switch msg := v.(type) {
	case *message.MethodMessage:
		msg.ID = r.u64()
		msg.Method = r.str16()
		msg.TraceID = r.str16()
		n := int(r.u16())
		msg.Parameters = nil
		for i := 0; i < n && r.err == nil; i++ {
			msg.Parameters = append(msg.Parameters, json.RawMessage(r.bytes32()))
		}
		if ret := r.bytes32(); len(ret) > 0 {
			msg.ReturnValue = ret
		}
		msg.ErrorMessage = string(r.bytes32())
	case *message.EventMessage:
		msg.EventName = r.str16()
		msg.Flag = message.EventFlag(r.u8())
		msg.ComputeID = r.str16()
		if r.u8() == 0 {
			msg.Args = nil
			break
		}
		args := &message.EventArgs{}
		args.Cancel = r.u8() != 0
		n := int(r.u16())
		for i := 0; i < n && r.err == nil; i++ {
			args.Versions = append(args.Versions, int(int32(r.u32())))
		}
		if d := r.bytes32(); len(d) > 0 {
			args.Data = d
		}
		msg.Args = args
	case *message.MetadataMessage:
		msg.EventVersion = int(int32(r.u32()))
		msg.ClientID = r.str16()
	default:
		return fmt.Errorf("BinaryCodec: unsupported type %T", v)
	}
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// binWriter records the first value that overflows its field in err.
type binWriter struct {
	buf []byte
	err error
}

func (w *binWriter) overflow(field string, n int) {
	if w.err == nil {
		w.err = fmt.Errorf("%w: %s (%d)", ErrFieldTooLong, field, n)
	}
}

func (w *binWriter) u8(v byte) { w.buf = append(w.buf, v) }

func (w *binWriter) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *binWriter) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *binWriter) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *binWriter) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *binWriter) count16(field string, n int) {
	if n > math.MaxUint16 {
		w.overflow(field, n)
		return
	}
	w.u16(uint16(n))
}

func (w *binWriter) i32(field string, v int) {
	if v < math.MinInt32 || v > math.MaxInt32 {
		w.overflow(field, v)
		return
	}
	w.u32(uint32(int32(v)))
}

func (w *binWriter) str16(field, s string) {
	w.count16(field, len(s))
	w.buf = append(w.buf, s...)
}

func (w *binWriter) bytes32(field string, b []byte) {
	if uint64(len(b)) > math.MaxUint32 {
		w.overflow(field, len(b))
		return
	}
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// binReader records the first short read in err; later reads return zero values.
type binReader struct {
	buf []byte
	off int
	err error
}

func (r *binReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = errShortBuffer
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *binReader) u8() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *binReader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *binReader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *binReader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *binReader) str16() string {
	return string(r.take(int(r.u16())))
}

func (r *binReader) bytes32() []byte {
	b := r.take(int(r.u32()))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
