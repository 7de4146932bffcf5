package amqp

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"sync"
	"time"
	"unicode/utf8"
)

// writer is the required interface for marshaling AMQP encoded data.
// It is fulfilled by *bytes.Buffer.
type writer interface {
	io.Writer
	io.ByteWriter
	WriteString(s string) (n int, err error)
}

// bufPool is used to reduce allocations when encoding.
var bufPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

func getBuffer() *bytes.Buffer {
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

type marshaler interface {
	marshal(writer) error
}

// marshal encodes i onto wr. Nil pointers are encoded as null.
func marshal(wr writer, i interface{}) error {
	switch t := i.(type) {
	case nil:
		return wr.WriteByte(byte(typeCodeNull))
	case marshaler:
		if isNilPointer(t) {
			return wr.WriteByte(byte(typeCodeNull))
		}
		return t.marshal(wr)
	case bool:
		return writeBool(wr, t)
	case *bool:
		if t == nil {
			return wr.WriteByte(byte(typeCodeNull))
		}
		return writeBool(wr, *t)
	case uint8:
		return writeFixed(wr, typeCodeUbyte, uint64(t), 1)
	case uint16:
		return writeFixed(wr, typeCodeUshort, uint64(t), 2)
	case *uint16:
		if t == nil {
			return wr.WriteByte(byte(typeCodeNull))
		}
		return writeFixed(wr, typeCodeUshort, uint64(*t), 2)
	case uint32:
		return writeUint32(wr, t)
	case *uint32:
		if t == nil {
			return wr.WriteByte(byte(typeCodeNull))
		}
		return writeUint32(wr, *t)
	case uint64:
		return writeUint64(wr, t)
	case *uint64:
		if t == nil {
			return wr.WriteByte(byte(typeCodeNull))
		}
		return writeUint64(wr, *t)
	case uint:
		return writeUint64(wr, uint64(t))
	case int8:
		return writeFixed(wr, typeCodeByte, uint64(uint8(t)), 1)
	case int16:
		return writeFixed(wr, typeCodeShort, uint64(uint16(t)), 2)
	case int32:
		return writeInt32(wr, t)
	case int64:
		return writeInt64(wr, t)
	case int:
		return writeInt64(wr, int64(t))
	case float32:
		return writeFixed(wr, typeCodeFloat, uint64(math.Float32bits(t)), 4)
	case float64:
		return writeFixed(wr, typeCodeDouble, math.Float64bits(t), 8)
	case string:
		return writeString(wr, t)
	case *string:
		if t == nil {
			return wr.WriteByte(byte(typeCodeNull))
		}
		return writeString(wr, *t)
	case []byte:
		return writeBinary(wr, t)
	case []symbol:
		return writeSymbolArray(wr, t)
	case []string:
		return writeStringArray(wr, t)
	case []interface{}:
		return writeAnyList(wr, t)
	case map[interface{}]interface{}:
		return writeMap(wr, t)
	case map[string]interface{}:
		return writeMap(wr, t)
	case map[symbol]interface{}:
		return writeMap(wr, t)
	case time.Time:
		return writeTimestamp(wr, t)
	case *time.Time:
		if t == nil {
			return wr.WriteByte(byte(typeCodeNull))
		}
		return writeTimestamp(wr, *t)
	default:
		return errorErrorf("marshal not implemented for %T", i)
	}
}

// isNilPointer reports whether m is a typed nil pointer. The composite
// types all use pointer receivers for marshal, so a nil *T is null.
func isNilPointer(m marshaler) bool {
	switch t := m.(type) {
	case *Error:
		return t == nil
	case *source:
		return t == nil
	case *target:
		return t == nil
	case *SenderSettleMode:
		return t == nil
	case *ReceiverSettleMode:
		return t == nil
	case *MessageHeader:
		return t == nil
	case *MessageProperties:
		return t == nil
	case *StateAccepted:
		return t == nil
	case *StateRejected:
		return t == nil
	case *StateReleased:
		return t == nil
	case *StateModified:
		return t == nil
	case *stateReceived:
		return t == nil
	}
	return false
}

func writeBool(wr writer, b bool) error {
	if b {
		return wr.WriteByte(byte(typeCodeBoolTrue))
	}
	return wr.WriteByte(byte(typeCodeBoolFalse))
}

// writeFixed writes code followed by the low width bytes of n in
// network byte order.
func writeFixed(wr writer, code amqpType, n uint64, width int) error {
	var tmp [9]byte
	tmp[0] = byte(code)
	binary.BigEndian.PutUint64(tmp[1:], n<<(uint(8-width)*8))
	_, err := wr.Write(tmp[:1+width])
	return err
}

func writeInt32(wr writer, n int32) error {
	if n < 128 && n >= -128 {
		return writeFixed(wr, typeCodeSmallint, uint64(uint8(n)), 1)
	}
	return writeFixed(wr, typeCodeInt, uint64(uint32(n)), 4)
}

func writeInt64(wr writer, n int64) error {
	if n < 128 && n >= -128 {
		return writeFixed(wr, typeCodeSmalllong, uint64(uint8(n)), 1)
	}
	return writeFixed(wr, typeCodeLong, uint64(n), 8)
}

func writeUint32(wr writer, n uint32) error {
	switch {
	case n == 0:
		return wr.WriteByte(byte(typeCodeUint0))
	case n < 256:
		return writeFixed(wr, typeCodeSmallUint, uint64(n), 1)
	default:
		return writeFixed(wr, typeCodeUint, uint64(n), 4)
	}
}

func writeUint64(wr writer, n uint64) error {
	switch {
	case n == 0:
		return wr.WriteByte(byte(typeCodeUlong0))
	case n < 256:
		return writeFixed(wr, typeCodeSmallUlong, n, 1)
	default:
		return writeFixed(wr, typeCodeUlong, n, 8)
	}
}

func writeTimestamp(wr writer, t time.Time) error {
	ms := t.UnixNano() / int64(time.Millisecond)
	return writeFixed(wr, typeCodeTimestamp, uint64(ms), 8)
}

// marshalField is a field to be marshaled
type marshalField struct {
	value interface{} // value to be marshaled, use pointers to avoid interface conversion overhead
	omit  bool        // indicates that this field should be omitted (set to null)
}

// marshalComposite is a helper for use in a composite's marshal() function.
//
// Fields with omit set to true are encoded as null, or left out entirely
// when no non-null field follows them.
func marshalComposite(wr writer, code amqpType, fields ...marshalField) error {
	// lastSetIdx is the last index to have a non-omitted field.
	// start at -1 as it's possible to have no fields in a composite
	lastSetIdx := -1
	for i, f := range fields {
		if !f.omit {
			lastSetIdx = i
		}
	}

	if err := writeDescriptor(wr, code); err != nil {
		return err
	}

	if lastSetIdx == -1 {
		return wr.WriteByte(byte(typeCodeList0))
	}

	buf := getBuffer()
	defer bufPool.Put(buf)

	for _, f := range fields[:lastSetIdx+1] {
		if f.omit {
			buf.WriteByte(byte(typeCodeNull))
			continue
		}
		if err := marshal(buf, f.value); err != nil {
			return err
		}
	}

	if err := writeList(wr, lastSetIdx+1, buf.Len()); err != nil {
		return err
	}
	_, err := buf.WriteTo(wr)
	return err
}

func writeDescriptor(wr writer, code amqpType) error {
	_, err := wr.Write([]byte{0x0, byte(typeCodeSmallUlong), byte(code)})
	return err
}

func writeSymbol(wr writer, sym symbol) error {
	if len(sym) > math.MaxUint8 {
		return writeVariable(wr, typeCodeSym32, []byte(sym))
	}
	return writeVariable(wr, typeCodeSym8, []byte(sym))
}

func writeString(wr writer, str string) error {
	if !utf8.ValidString(str) {
		return errorNew("not a valid UTF-8 string")
	}
	if len(str) > math.MaxUint8 {
		return writeVariable(wr, typeCodeStr32, []byte(str))
	}
	return writeVariable(wr, typeCodeStr8, []byte(str))
}

func writeBinary(wr writer, bin []byte) error {
	if len(bin) > math.MaxUint8 {
		return writeVariable(wr, typeCodeVbin32, bin)
	}
	return writeVariable(wr, typeCodeVbin8, bin)
}

// writeVariable writes a variable width constructor, its length and data.
func writeVariable(wr writer, code amqpType, data []byte) error {
	if uint64(len(data)) > math.MaxUint32 {
		return errorNew("too long")
	}
	if err := writeVariableHeader(wr, code, len(data)); err != nil {
		return err
	}
	_, err := wr.Write(data)
	return err
}

func writeVariableHeader(wr writer, code amqpType, l int) error {
	switch code {
	case typeCodeVbin8, typeCodeStr8, typeCodeSym8:
		_, err := wr.Write([]byte{byte(code), byte(l)})
		return err
	default:
		return writeFixed(wr, code, uint64(l), 4)
	}
}

// writeArrayElement writes the element body without the constructor,
// as arrays share a single constructor across elements.
func writeArrayElement(wr writer, code amqpType, data []byte) error {
	switch code {
	case typeCodeSym8, typeCodeStr8:
		if err := wr.WriteByte(byte(len(data))); err != nil {
			return err
		}
	default:
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(len(data)))
		if _, err := wr.Write(tmp[:]); err != nil {
			return err
		}
	}
	_, err := wr.Write(data)
	return err
}

func writeSymbolArray(wr writer, symbols []symbol) error {
	ofType := typeCodeSym8
	for _, s := range symbols {
		if len(s) > math.MaxUint8 {
			ofType = typeCodeSym32
			break
		}
	}

	buf := getBuffer()
	defer bufPool.Put(buf)

	for _, s := range symbols {
		if err := writeArrayElement(buf, ofType, []byte(s)); err != nil {
			return err
		}
	}

	if err := writeArray(wr, ofType, len(symbols), buf.Len()); err != nil {
		return err
	}
	_, err := buf.WriteTo(wr)
	return err
}

func writeStringArray(wr writer, strs []string) error {
	ofType := typeCodeStr8
	for _, s := range strs {
		if !utf8.ValidString(s) {
			return errorNew("not a valid UTF-8 string")
		}
		if len(s) > math.MaxUint8 {
			ofType = typeCodeStr32
		}
	}

	buf := getBuffer()
	defer bufPool.Put(buf)

	for _, s := range strs {
		if err := writeArrayElement(buf, ofType, []byte(s)); err != nil {
			return err
		}
	}

	if err := writeArray(wr, ofType, len(strs), buf.Len()); err != nil {
		return err
	}
	_, err := buf.WriteTo(wr)
	return err
}

func writeAnyList(wr writer, l []interface{}) error {
	if len(l) == 0 {
		return wr.WriteByte(byte(typeCodeList0))
	}

	buf := getBuffer()
	defer bufPool.Put(buf)

	for _, v := range l {
		if err := marshal(buf, v); err != nil {
			return err
		}
	}

	if err := writeList(wr, len(l), buf.Len()); err != nil {
		return err
	}
	_, err := buf.WriteTo(wr)
	return err
}

func writeArray(wr writer, of amqpType, numFields int, size int) error {
	const isArray = true
	return writeSlice(wr, isArray, of, numFields, size)
}

func writeList(wr writer, numFields int, size int) error {
	const isArray = false
	return writeSlice(wr, isArray, 0, numFields, size)
}

// writeSlice writes the header of a list or array. size is the encoded
// size of the elements, excluding the element constructor of an array.
func writeSlice(wr writer, isArray bool, of amqpType, numFields int, size int) error {
	size8 := typeCodeList8
	size32 := typeCodeList32
	extra := 0
	if isArray {
		size8 = typeCodeArray8
		size32 = typeCodeArray32
		extra = 1 // element constructor
	}

	switch {
	// list0
	case numFields == 0 && !isArray:
		return wr.WriteByte(byte(typeCodeList0))

	// list8/array8
	case numFields < 256 && size+extra+1 < 256:
		if _, err := wr.Write([]byte{byte(size8), byte(size + extra + 1), byte(numFields)}); err != nil {
			return err
		}

	// list32/array32
	case uint64(numFields) < math.MaxUint32 && uint64(size)+uint64(extra)+4 < math.MaxUint32:
		var tmp [9]byte
		tmp[0] = byte(size32)
		binary.BigEndian.PutUint32(tmp[1:], uint32(size+extra+4))
		binary.BigEndian.PutUint32(tmp[5:], uint32(numFields))
		if _, err := wr.Write(tmp[:]); err != nil {
			return err
		}

	default:
		return errorNew("too many fields")
	}

	if isArray {
		return wr.WriteByte(byte(of))
	}
	return nil
}

func writeMap(wr writer, m interface{}) error {
	var length int
	buf := getBuffer()
	defer bufPool.Put(buf)

	switch m := m.(type) {
	case map[interface{}]interface{}:
		length = len(m)
		for key, val := range m {
			if err := marshal(buf, key); err != nil {
				return err
			}
			if err := marshal(buf, val); err != nil {
				return err
			}
		}
	case map[string]interface{}:
		length = len(m)
		for key, val := range m {
			if err := writeString(buf, key); err != nil {
				return err
			}
			if err := marshal(buf, val); err != nil {
				return err
			}
		}
	case map[symbol]interface{}:
		length = len(m)
		for key, val := range m {
			if err := writeSymbol(buf, key); err != nil {
				return err
			}
			if err := marshal(buf, val); err != nil {
				return err
			}
		}
	case unsettled:
		length = len(m)
		for key, val := range m {
			if err := writeBinary(buf, []byte(key)); err != nil {
				return err
			}
			if err := marshal(buf, val); err != nil {
				return err
			}
		}
	default:
		return errorErrorf("unsupported type or map type %T", m)
	}

	pairs := length * 2
	switch {
	case pairs < 256 && buf.Len()+1 < 256:
		if _, err := wr.Write([]byte{byte(typeCodeMap8), byte(buf.Len() + 1), byte(pairs)}); err != nil {
			return err
		}
	case uint64(buf.Len())+4 < math.MaxUint32:
		var tmp [9]byte
		tmp[0] = byte(typeCodeMap32)
		binary.BigEndian.PutUint32(tmp[1:], uint32(buf.Len()+4))
		binary.BigEndian.PutUint32(tmp[5:], uint32(pairs))
		if _, err := wr.Write(tmp[:]); err != nil {
			return err
		}
	default:
		return errorNew("map too large")
	}

	_, err := buf.WriteTo(wr)
	return err
}
