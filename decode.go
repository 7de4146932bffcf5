package amqp

import (
	"encoding/binary"
	"io"
	"math"
	"reflect"
	"time"
)

// reader is the required interface for unmarshaling AMQP encoded
// data. It is fulfilled by *bytes.Buffer.
type reader interface {
	io.Reader
	io.ByteReader
	UnreadByte() error
	Bytes() []byte
	Len() int
	Next(int) []byte
}

// unmarshaler is fulfilled by types that can unmarshal
// themselves from AMQP data.
type unmarshaler interface {
	unmarshal(r reader) error
}

// unmarshal decodes AMQP encoded data into i.
//
// If i implements unmarshaler, i.unmarshal() will be called. Pointers to
// primitive types are decoded by the matching read function. A pointer to
// a pointer is left nil when the encoded value is null and allocated
// otherwise.
//
// If the decoding function returns errNull, the isNull return value will
// be true and err will be nil.
func unmarshal(r reader, i interface{}) (isNull bool, err error) {
	defer func() {
		// prevent errNull from being passed up
		if err == errNull {
			isNull = true
			err = nil
		}
	}()

	switch t := i.(type) {
	case unmarshaler:
		if peekNull(r) {
			r.ReadByte()
			return true, nil
		}
		return false, t.unmarshal(r)
	case *int:
		val, err := readInt(r)
		if err != nil {
			return false, err
		}
		*t = int(val)
	case *int64:
		val, err := readInt(r)
		if err != nil {
			return false, err
		}
		*t = val
	case *uint64:
		val, err := readUint(r)
		if err != nil {
			return false, err
		}
		*t = val
	case *uint32:
		val, err := readUint(r)
		if err != nil {
			return false, err
		}
		if val > math.MaxUint32 {
			return false, errorErrorf("value %d overflows uint32", val)
		}
		*t = uint32(val)
	case *uint16:
		val, err := readUint(r)
		if err != nil {
			return false, err
		}
		if val > math.MaxUint16 {
			return false, errorErrorf("value %d overflows uint16", val)
		}
		*t = uint16(val)
	case *uint8:
		val, err := readUint(r)
		if err != nil {
			return false, err
		}
		if val > math.MaxUint8 {
			return false, errorErrorf("value %d overflows uint8", val)
		}
		*t = uint8(val)
	case *string:
		val, err := readString(r)
		if err != nil {
			return false, err
		}
		*t = val
	case *[]symbol:
		sa, err := readSymbolArray(r)
		if err != nil {
			return false, err
		}
		*t = sa
	case *[]string:
		sa, err := readStringArray(r)
		if err != nil {
			return false, err
		}
		*t = sa
	case *[]byte:
		val, err := readBinary(r)
		if err != nil {
			return false, err
		}
		*t = val
	case *bool:
		b, err := readBool(r)
		if err != nil {
			return false, err
		}
		*t = b
	case *time.Time:
		ts, err := readTimestamp(r)
		if err != nil {
			return false, err
		}
		*t = ts
	case *[]interface{}:
		l, err := readAnyList(r)
		if err != nil {
			return false, err
		}
		*t = l
	case *map[interface{}]interface{}:
		return false, (*mapAnyAny)(t).unmarshal(r)
	case *map[string]interface{}:
		return false, (*mapStringAny)(t).unmarshal(r)
	case *map[symbol]interface{}:
		return false, (*mapSymbolAny)(t).unmarshal(r)
	case *DeliveryState:
		if peekNull(r) {
			r.ReadByte()
			return true, nil
		}
		typ, err := peekDescriptor(r)
		if err != nil {
			return false, err
		}
		switch typ {
		case typeCodeStateAccepted:
			*t = new(StateAccepted)
		case typeCodeStateModified:
			*t = new(StateModified)
		case typeCodeStateReceived:
			*t = new(stateReceived)
		case typeCodeStateRejected:
			*t = new(StateRejected)
		case typeCodeStateReleased:
			*t = new(StateReleased)
		default:
			return false, errorErrorf("unexpected type %#02x for delivery state", typ)
		}
		return unmarshal(r, *t)
	case *interface{}:
		v, err := readAny(r)
		if err != nil {
			return false, err
		}
		*t = v
	default:
		v := reflect.ValueOf(i)         // **T
		indirect := reflect.Indirect(v) // *T
		if indirect.Kind() == reflect.Ptr {
			if peekNull(r) {
				r.ReadByte()
				indirect.Set(reflect.Zero(indirect.Type()))
				return true, nil
			}
			if indirect.IsNil() {
				indirect.Set(reflect.New(indirect.Type().Elem()))
			}
			return unmarshal(r, indirect.Interface())
		}
		return false, errorErrorf("unable to unmarshal %T", i)
	}
	return false, nil
}

func peekNull(r reader) bool {
	b := r.Bytes()
	return len(b) > 0 && amqpType(b[0]) == typeCodeNull
}

// peekDescriptor returns the descriptor code of the described type at the
// head of r without consuming it.
func peekDescriptor(r reader) (amqpType, error) {
	b := r.Bytes()
	if len(b) < 3 || b[0] != 0 {
		return 0, errorNew("invalid described type header")
	}
	switch amqpType(b[1]) {
	case typeCodeSmallUlong:
		return amqpType(b[2]), nil
	case typeCodeUlong:
		if len(b) < 10 {
			return 0, errorNew("invalid described type header")
		}
		return amqpType(binary.BigEndian.Uint64(b[2:10])), nil
	}
	return 0, errorErrorf("unsupported descriptor type %#02x", b[1])
}

// unmarshalField is a struct that contains a field to be unmarshaled into.
//
// An optional nullHandler can be set. If the composite field being unmarshaled
// is null and handleNull is not nil, nullHandler will be called.
type unmarshalField struct {
	field      interface{}
	handleNull nullHandler
}

// nullHandler is a function to be called when a composite's field
// is null.
type nullHandler func() error

// required returns a nullHandler that will cause an error to
// be returned if the field is null.
func required(name string) nullHandler {
	return func() error {
		return errorNew(name + " is required")
	}
}

func defaultUint32(n *uint32, defaultValue uint32) nullHandler {
	return func() error {
		*n = defaultValue
		return nil
	}
}

func defaultUint16(n *uint16, defaultValue uint16) nullHandler {
	return func() error {
		*n = defaultValue
		return nil
	}
}

func defaultUint8(n *uint8, defaultValue uint8) nullHandler {
	return func() error {
		*n = defaultValue
		return nil
	}
}

func defaultSymbol(s *symbol, defaultValue symbol) nullHandler {
	return func() error {
		*s = defaultValue
		return nil
	}
}

// unmarshalComposite is a helper for use in a composite's unmarshal() function.
//
// The composite from r will be unmarshaled into zero or more fields. An error
// will be returned if typ does not match the decoded type. Fields beyond the
// encoded count are treated as null.
func unmarshalComposite(r reader, typ amqpType, fields ...unmarshalField) error {
	t, numFields, err := readCompositeHeader(r)
	if err != nil {
		return err
	}

	if t != typ {
		return errorErrorf("invalid header %#02x for %#02x", t, typ)
	}

	// Fields may be omitted by the sender if they are not set, but never
	// added.
	if numFields > len(fields) {
		return errorErrorf("invalid field count %d for %#02x", numFields, typ)
	}

	for i := 0; i < numFields; i++ {
		null, err := unmarshal(r, fields[i].field)
		if err != nil {
			return errorWrapf(err, "unmarshaling field %d of %#02x", i, typ)
		}
		if null && fields[i].handleNull != nil {
			if err := fields[i].handleNull(); err != nil {
				return err
			}
		}
	}

	for i := numFields; i < len(fields); i++ {
		if fields[i].handleNull != nil {
			if err := fields[i].handleNull(); err != nil {
				return err
			}
		}
	}

	return nil
}

// readCompositeHeader reads and consumes the composite header from r.
//
// If the composite is null, errNull will be returned.
func readCompositeHeader(r reader) (_ amqpType, fields int, _ error) {
	byt, err := r.ReadByte()
	if err != nil {
		return 0, 0, err
	}

	if amqpType(byt) == typeCodeNull {
		return 0, 0, errNull
	}

	// composites always start with 0x0
	if byt != 0 {
		return 0, 0, errorErrorf("invalid composite header %#02x", byt)
	}

	// the descriptor is encoded as an AMQP ulong
	v, err := readUint(r)
	if err != nil {
		return 0, 0, err
	}

	// fields are represented as a list
	fields, _, err = readHeaderSlice(r)
	return amqpType(v), fields, err
}

// readN consumes exactly n bytes from r.
func readN(r reader, n int) ([]byte, error) {
	if n > r.Len() {
		return nil, io.ErrUnexpectedEOF
	}
	return r.Next(n), nil
}

func readUint16(r reader) (uint16, error) {
	b, err := readN(r, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func readUint32(r reader) (uint32, error) {
	b, err := readN(r, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func readUint64(r reader) (uint64, error) {
	b, err := readN(r, 8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func readStringArray(r reader) ([]string, error) {
	lElems, _, err := readHeaderSlice(r)
	if err != nil {
		return nil, err
	}
	if lElems == 0 {
		return nil, nil
	}

	b, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	strs := make([]string, 0, lElems)
	for i := 0; i < lElems; i++ {
		vari, err := readVariableType(r, amqpType(b))
		if err != nil {
			return nil, err
		}
		strs = append(strs, string(vari))
	}
	return strs, nil
}

// readSymbolArray also accepts a single symbol, which the AMQP 1.0 standard
// allows wherever a multiple symbol field is expected.
func readSymbolArray(r reader) ([]symbol, error) {
	if b := r.Bytes(); len(b) > 0 {
		switch amqpType(b[0]) {
		case typeCodeSym8, typeCodeSym32:
			s, err := readString(r)
			if err != nil {
				return nil, err
			}
			return []symbol{symbol(s)}, nil
		}
	}

	lElems, _, err := readHeaderSlice(r)
	if err != nil {
		return nil, err
	}
	if lElems == 0 {
		return nil, nil
	}

	b, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	syms := make([]symbol, 0, lElems)
	for i := 0; i < lElems; i++ {
		vari, err := readVariableType(r, amqpType(b))
		if err != nil {
			return nil, err
		}
		syms = append(syms, symbol(vari))
	}
	return syms, nil
}

func readString(r reader) (string, error) {
	b, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if amqpType(b) == typeCodeNull {
		return "", errNull
	}

	vari, err := readVariableType(r, amqpType(b))
	return string(vari), err
}

func readBinary(r reader) ([]byte, error) {
	b, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if amqpType(b) == typeCodeNull {
		return nil, errNull
	}

	return readVariableType(r, amqpType(b))
}

// readVariableType reads the length and data of a variable width type
// whose constructor has already been consumed. The returned slice is a
// copy and does not alias r.
func readVariableType(r reader, of amqpType) ([]byte, error) {
	var n int
	switch of {
	case typeCodeVbin8, typeCodeStr8, typeCodeSym8:
		l, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		n = int(l)
	case typeCodeVbin32, typeCodeStr32, typeCodeSym32:
		l, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		if uint64(l) > uint64(r.Len()) {
			return nil, errInvalidLength
		}
		n = int(l)
	default:
		return nil, errorErrorf("type code %#02x is not a recognized variable length type", of)
	}
	if n > r.Len() {
		return nil, errInvalidLength
	}
	buf := make([]byte, n)
	copy(buf, r.Next(n))
	return buf, nil
}

// readHeaderSlice consumes a list or array header and returns the element
// count and the declared byte length.
func readHeaderSlice(r reader) (elements int, length int, _ error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, 0, err
	}

	switch amqpType(b) {
	case typeCodeNull:
		return 0, 0, errNull
	case typeCodeList0:
		return 0, 0, nil
	case typeCodeList8, typeCodeArray8:
		hdr, err := readN(r, 2)
		if err != nil {
			return 0, 0, err
		}
		length = int(hdr[0])
		elements = int(hdr[1])
	case typeCodeList32, typeCodeArray32:
		l, err := readUint32(r)
		if err != nil {
			return 0, 0, err
		}
		elems, err := readUint32(r)
		if err != nil {
			return 0, 0, err
		}
		if uint64(l) > uint64(r.Len())+4 {
			return 0, 0, errInvalidLength
		}
		length = int(l)
		elements = int(elems)
	default:
		return 0, 0, errorErrorf("type code %#02x is not a recognized list type", b)
	}

	// every element occupies at least one byte, except in arrays of
	// zero-width elements which this codec never produces
	if elements > r.Len() {
		return 0, 0, errInvalidLength
	}
	return elements, length, nil
}

func readAnyList(r reader) ([]interface{}, error) {
	b := r.Bytes()
	if len(b) > 0 {
		switch amqpType(b[0]) {
		case typeCodeArray8, typeCodeArray32:
			return readAnyArray(r)
		}
	}

	n, _, err := readHeaderSlice(r)
	if err != nil {
		return nil, err
	}
	l := make([]interface{}, 0, n)
	for i := 0; i < n; i++ {
		v, err := readAny(r)
		if err != nil {
			return nil, err
		}
		l = append(l, v)
	}
	return l, nil
}

// readAnyArray decodes an array of any primitive element type into a
// list. Fixed width elements are re-prefixed with their constructor so
// readAny can decode them one at a time.
func readAnyArray(r reader) ([]interface{}, error) {
	n, _, err := readHeaderSlice(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	of, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	l := make([]interface{}, 0, n)
	for i := 0; i < n; i++ {
		switch amqpType(of) {
		case typeCodeVbin8, typeCodeVbin32:
			v, err := readVariableType(r, amqpType(of))
			if err != nil {
				return nil, err
			}
			l = append(l, v)
		case typeCodeStr8, typeCodeStr32, typeCodeSym8, typeCodeSym32:
			v, err := readVariableType(r, amqpType(of))
			if err != nil {
				return nil, err
			}
			l = append(l, string(v))
		default:
			width, ok := fixedWidth(amqpType(of))
			if !ok {
				return nil, errorErrorf("array of %#02x not supported", of)
			}
			body, err := readN(r, width)
			if err != nil {
				return nil, err
			}
			elem := &arrayElemReader{buf: append([]byte{of}, body...)}
			v, err := readAny(elem)
			if err != nil {
				return nil, err
			}
			l = append(l, v)
		}
	}
	return l, nil
}

// fixedWidth returns the encoded width, excluding the constructor, of
// fixed width primitive types.
func fixedWidth(t amqpType) (int, bool) {
	switch t {
	case typeCodeBoolTrue, typeCodeBoolFalse, typeCodeUint0, typeCodeUlong0:
		return 0, true
	case typeCodeBool, typeCodeUbyte, typeCodeByte, typeCodeSmallUint, typeCodeSmallUlong, typeCodeSmallint, typeCodeSmalllong:
		return 1, true
	case typeCodeUshort, typeCodeShort:
		return 2, true
	case typeCodeUint, typeCodeInt, typeCodeFloat, typeCodeChar, typeCodeDecimal32:
		return 4, true
	case typeCodeUlong, typeCodeLong, typeCodeDouble, typeCodeTimestamp, typeCodeDecimal64:
		return 8, true
	case typeCodeUUID, typeCodeDecimal128:
		return 16, true
	}
	return 0, false
}

// readAny decodes the next value of any type. Described values other than
// the known composites are returned as *describedType.
func readAny(r reader) (interface{}, error) {
	if r.Len() < 1 {
		return nil, io.ErrUnexpectedEOF
	}
	b := r.Bytes()[0]

	switch amqpType(b) {
	case typeCodeNull:
		r.ReadByte()
		return nil, nil

	// described
	case 0x0:
		typ, err := peekDescriptor(r)
		if err == nil {
			switch typ {
			case typeCodeError:
				e := new(Error)
				return e, e.unmarshal(r)
			case typeCodeStateAccepted, typeCodeStateRejected, typeCodeStateReleased,
				typeCodeStateModified, typeCodeStateReceived:
				var ds DeliveryState
				_, err := unmarshal(r, &ds)
				return ds, err
			}
		}
		dt := new(describedType)
		return dt, dt.unmarshal(r)

	// bool
	case typeCodeBool, typeCodeBoolTrue, typeCodeBoolFalse:
		return readBool(r)

	// unsigned integers
	case typeCodeUbyte:
		r.ReadByte()
		return r.ReadByte()
	case typeCodeUshort:
		r.ReadByte()
		return readUint16(r)
	case typeCodeUint, typeCodeSmallUint, typeCodeUint0:
		v, err := readUint(r)
		return uint32(v), err
	case typeCodeUlong, typeCodeSmallUlong, typeCodeUlong0:
		return readUint(r)

	// signed integers
	case typeCodeByte:
		v, err := readInt(r)
		return int8(v), err
	case typeCodeShort:
		v, err := readInt(r)
		return int16(v), err
	case typeCodeInt, typeCodeSmallint:
		v, err := readInt(r)
		return int32(v), err
	case typeCodeLong, typeCodeSmalllong:
		return readInt(r)

	// floating point
	case typeCodeFloat:
		r.ReadByte()
		v, err := readUint32(r)
		return math.Float32frombits(v), err
	case typeCodeDouble:
		r.ReadByte()
		v, err := readUint64(r)
		return math.Float64frombits(v), err

	// binary
	case typeCodeVbin8, typeCodeVbin32:
		return readBinary(r)

	// strings and symbols
	case typeCodeStr8, typeCodeStr32, typeCodeSym8, typeCodeSym32:
		return readString(r)

	case typeCodeTimestamp:
		return readTimestamp(r)

	case typeCodeUUID:
		var u UUID
		err := u.unmarshal(r)
		return u, err

	case typeCodeList0, typeCodeList8, typeCodeList32, typeCodeArray8, typeCodeArray32:
		return readAnyList(r)

	case typeCodeMap8, typeCodeMap32:
		var m map[interface{}]interface{}
		err := (*mapAnyAny)(&m).unmarshal(r)
		return m, err

	case typeCodeDecimal32, typeCodeDecimal64, typeCodeDecimal128, typeCodeChar:
		return nil, errorErrorf("%#02x not implemented", b)

	default:
		return nil, errorErrorf("unknown type %#02x", b)
	}
}

func readTimestamp(r reader) (time.Time, error) {
	b, err := r.ReadByte()
	if err != nil {
		return time.Time{}, err
	}

	switch t := amqpType(b); {
	case t == typeCodeNull:
		return time.Time{}, errNull
	case t != typeCodeTimestamp:
		return time.Time{}, errorErrorf("invalid type for timestamp %#02x", t)
	}

	n, err := readUint64(r)
	if err != nil {
		return time.Time{}, err
	}
	ms := int64(n)
	return time.Unix(ms/1000, (ms%1000)*int64(time.Millisecond)).UTC(), nil
}

// readInt reads any integer encoding as int64. Unsigned values are
// accepted as long as they fit.
func readInt(r reader) (int64, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}

	switch amqpType(b) {
	case typeCodeNull:
		return 0, errNull

	// Unsigned
	case typeCodeUint0, typeCodeUlong0:
		return 0, nil
	case typeCodeUbyte, typeCodeSmallUint, typeCodeSmallUlong:
		n, err := r.ReadByte()
		return int64(n), err
	case typeCodeUshort:
		n, err := readUint16(r)
		return int64(n), err
	case typeCodeUint:
		n, err := readUint32(r)
		return int64(n), err
	case typeCodeUlong:
		n, err := readUint64(r)
		if n > math.MaxInt64 {
			return 0, errorErrorf("value %d overflows int64", n)
		}
		return int64(n), err

	// Signed
	case typeCodeByte, typeCodeSmallint, typeCodeSmalllong:
		n, err := r.ReadByte()
		return int64(int8(n)), err
	case typeCodeShort:
		n, err := readUint16(r)
		return int64(int16(n)), err
	case typeCodeInt:
		n, err := readUint32(r)
		return int64(int32(n)), err
	case typeCodeLong:
		n, err := readUint64(r)
		return int64(n), err
	default:
		return 0, errorErrorf("type code %#02x is not a recognized number type", b)
	}
}

func readBool(r reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}

	switch amqpType(b) {
	case typeCodeNull:
		return false, errNull
	case typeCodeBool:
		b, err = r.ReadByte()
		if err != nil {
			return false, err
		}
		return b != 0, nil
	case typeCodeBoolTrue:
		return true, nil
	case typeCodeBoolFalse:
		return false, nil
	default:
		return false, errorErrorf("type code %#02x is not a recognized bool type", b)
	}
}

func readUint(r reader) (uint64, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}

	switch amqpType(b) {
	case typeCodeNull:
		return 0, errNull
	case typeCodeUint0, typeCodeUlong0:
		return 0, nil
	case typeCodeUbyte, typeCodeSmallUint, typeCodeSmallUlong:
		n, err := r.ReadByte()
		return uint64(n), err
	case typeCodeUshort:
		n, err := readUint16(r)
		return uint64(n), err
	case typeCodeUint:
		n, err := readUint32(r)
		return uint64(n), err
	case typeCodeUlong:
		return readUint64(r)
	default:
		return 0, errorErrorf("type code %#02x is not a recognized number type", b)
	}
}

// arrayElemReader adapts a single re-prefixed array element to reader.
type arrayElemReader struct {
	buf []byte
	off int
}

func (a *arrayElemReader) Read(p []byte) (int, error) {
	if a.off >= len(a.buf) {
		return 0, io.EOF
	}
	n := copy(p, a.buf[a.off:])
	a.off += n
	return n, nil
}

func (a *arrayElemReader) ReadByte() (byte, error) {
	if a.off >= len(a.buf) {
		return 0, io.EOF
	}
	b := a.buf[a.off]
	a.off++
	return b, nil
}

func (a *arrayElemReader) UnreadByte() error {
	if a.off == 0 {
		return errorNew("at beginning of buffer")
	}
	a.off--
	return nil
}

func (a *arrayElemReader) Bytes() []byte { return a.buf[a.off:] }
func (a *arrayElemReader) Len() int      { return len(a.buf) - a.off }

func (a *arrayElemReader) Next(n int) []byte {
	if n > a.Len() {
		n = a.Len()
	}
	b := a.buf[a.off : a.off+n]
	a.off += n
	return b
}

// mapReader iterates the key/value pairs of an encoded map.
type mapReader struct {
	r     reader
	count int // elements (2 * # of pairs)
	read  int
}

func (mr *mapReader) pairs() int {
	return mr.count / 2
}

func (mr *mapReader) more() bool {
	return mr.read < mr.count
}

func (mr *mapReader) next(key, value interface{}) error {
	if _, err := unmarshal(mr.r, key); err != nil {
		return err
	}
	mr.read++
	if _, err := unmarshal(mr.r, value); err != nil {
		return err
	}
	mr.read++
	return nil
}

func newMapReader(r reader) (*mapReader, error) {
	b, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	var size, count uint32
	switch amqpType(b) {
	case typeCodeNull:
		return nil, errNull
	case typeCodeMap8:
		hdr, err := readN(r, 2)
		if err != nil {
			return nil, err
		}
		size, count = uint32(hdr[0]), uint32(hdr[1])
		size-- // count byte
	case typeCodeMap32:
		if size, err = readUint32(r); err != nil {
			return nil, err
		}
		if count, err = readUint32(r); err != nil {
			return nil, err
		}
		size -= 4
	default:
		return nil, errorErrorf("invalid map type %#02x", b)
	}

	if uint64(size) > uint64(r.Len()) || uint64(count) > uint64(r.Len()) {
		return nil, errInvalidLength
	}
	if count%2 != 0 {
		return nil, errorErrorf("map has odd element count %d", count)
	}

	return &mapReader{r: r, count: int(count)}, nil
}
