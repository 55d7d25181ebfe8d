package bencode

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
)

// DecodeError reports malformed input. The receive pipeline treats it as a
// permanently bad payload rather than a transient failure.
type DecodeError struct {
	msg string
}

func newDecodeError(msg string, vars ...interface{}) *DecodeError {
	return &DecodeError{fmt.Sprintf(msg, vars...)}
}

func (e *DecodeError) Error() string {
	return "bencode: " + e.msg
}

// Deserialize decodes buf into the value behind the pointer. Trailing bytes
// after the value are an error; an envelope never carries more than one.
func Deserialize(buf []byte, t interface{}) error {
	d := decoder{buf: buf}

	val := reflect.ValueOf(t)
	out, err := d.decode(val.Type())
	if err != nil {
		return err
	}
	if val.CanAddr() {
		val.Elem().Set(out.Elem())
	} else {
		val.Elem().Set(reflect.Indirect(*out))
	}
	if !d.done() {
		return newDecodeError("%d trailing bytes after value", int64(len(d.buf))-d.pos)
	}
	return nil
}

type decoder struct {
	buf []byte
	pos int64
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func (d *decoder) expectByte(b byte) error {
	if int64(len(d.buf)) == d.pos {
		return newDecodeError("expected 0x%x at pos %d, but no more bytes left", b, d.pos)
	}
	c := d.buf[d.pos]
	if c != b {
		return newDecodeError("expected 0x%x got 0x%x at pos %d", b, c, d.pos)
	}
	d.pos++
	return nil
}

// digits returns the text of the unsigned number starting at the current
// position, optionally led by a minus sign, leaving pos past it.
func (d *decoder) digits() (string, bool, error) {
	neg := false
	if d.buf[d.pos] == '-' {
		neg = true
		d.pos++
	}
	l := int64(0)
	for isDigit(d.buf[d.pos+l]) {
		l++
	}
	if l == 0 {
		return "", false, newDecodeError("expected digits at pos %d", d.pos)
	}
	text := string(d.buf[d.pos : d.pos+l])
	d.pos += l
	return text, neg, nil
}

func (d *decoder) decodeInt() (int64, error) {
	if err := d.expectByte(numberStart); err != nil {
		return 0, err
	}
	text, neg, err := d.digits()
	if err != nil {
		return 0, err
	}
	val, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, err
	}
	if val == 0 && neg {
		return 0, newDecodeError("negative zero not allowed")
	}
	if neg {
		val = -val
	}
	if err := d.expectByte(bencodeEnd); err != nil {
		return 0, err
	}
	return val, nil
}

func (d *decoder) decodeUint() (uint64, error) {
	if err := d.expectByte(numberStart); err != nil {
		return 0, err
	}
	text, neg, err := d.digits()
	if err != nil {
		return 0, err
	}
	if neg {
		return 0, newDecodeError("negative number where unsigned expected")
	}
	val, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, err
	}
	if err := d.expectByte(bencodeEnd); err != nil {
		return 0, err
	}
	return val, nil
}

func (d *decoder) decodeString() ([]byte, error) {
	l := int64(0)
	for isDigit(d.buf[d.pos+l]) {
		l++
	}
	if l == 0 {
		return nil, newDecodeError("expected length at pos %d", d.pos)
	}
	n, err := strconv.ParseInt(string(d.buf[d.pos:d.pos+l]), 10, 64)
	if err != nil {
		return nil, err
	}
	if d.buf[d.pos+l] != bytesLengthSep {
		return nil, newDecodeError("expected 0x%x after length, got 0x%x", bytesLengthSep, d.buf[d.pos+l])
	}
	b := d.buf[d.pos+l+1 : d.pos+l+1+n]
	d.pos += l + 1 + n
	return b, nil
}

func (d *decoder) peek() byte {
	return d.buf[d.pos]
}

func (d *decoder) done() bool {
	return d.pos >= int64(len(d.buf))
}

func (d *decoder) decodeList(t reflect.Type) (*reflect.Value, error) {
	a := reflect.MakeSlice(t, 0, 0)
	if err := d.expectByte(listStart); err != nil {
		return nil, err
	}
	for d.peek() != bencodeEnd {
		val, err := d.decode(t.Elem())
		if err != nil {
			return nil, err
		}
		a = reflect.Append(a, *val)
	}
	if err := d.expectByte(bencodeEnd); err != nil {
		return nil, err
	}
	return &a, nil
}

func (d *decoder) decode(t reflect.Type) (*reflect.Value, error) {
	switch t.Kind() {
	case reflect.Bool:
		num, err := d.decodeUint()
		if err != nil {
			return nil, err
		}
		if num > 1 {
			return nil, newDecodeError("boolean must be 0 or 1, got %d", num)
		}
		val := reflect.ValueOf(num == 1)
		return &val, nil
	case reflect.Int64:
		num, err := d.decodeInt()
		if err != nil {
			return nil, err
		}
		val := reflect.ValueOf(num)
		return &val, nil
	case reflect.Int8:
		num, err := d.decodeInt()
		if err != nil {
			return nil, err
		}
		if num < math.MinInt8 || num > math.MaxInt8 {
			return nil, newDecodeError("%d overflows int8", num)
		}
		val := reflect.ValueOf(int8(num))
		return &val, nil
	case reflect.Uint8:
		num, err := d.decodeUint()
		if err != nil {
			return nil, err
		}
		if num > math.MaxUint8 {
			return nil, newDecodeError("%d overflows uint8", num)
		}
		val := reflect.ValueOf(uint8(num))
		return &val, nil
	case reflect.Uint32:
		num, err := d.decodeUint()
		if err != nil {
			return nil, err
		}
		if num > math.MaxUint32 {
			return nil, newDecodeError("%d overflows uint32", num)
		}
		val := reflect.ValueOf(uint32(num))
		return &val, nil
	case reflect.Uint64:
		num, err := d.decodeUint()
		if err != nil {
			return nil, err
		}
		val := reflect.ValueOf(num)
		return &val, nil
	case reflect.String:
		b, err := d.decodeString()
		if err != nil {
			return nil, err
		}
		val := reflect.ValueOf(string(b))
		return &val, nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			b, err := d.decodeString()
			if err != nil {
				return nil, err
			}
			val := reflect.ValueOf(b)
			return &val, nil
		}
		return d.decodeList(t)
	case reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			b, err := d.decodeString()
			if err != nil {
				return nil, err
			}
			valPtr := reflect.New(t)
			reflect.Copy(reflect.Indirect(valPtr), reflect.ValueOf(b))
			val := reflect.Indirect(valPtr)
			return &val, nil
		}
		return d.decodeList(t)
	case reflect.Struct:
		valPtr := reflect.New(t)
		if err := d.decodeStruct(valPtr.Interface()); err != nil {
			return nil, err
		}
		val := reflect.Indirect(valPtr)
		return &val, nil
	case reflect.Map:
		if err := d.expectByte(dictStart); err != nil {
			return nil, err
		}
		m := reflect.MakeMap(t)
		for d.peek() != bencodeEnd {
			keyValue, err := d.decode(t.Key())
			if err != nil {
				return nil, err
			}
			valValue, err := d.decode(t.Elem())
			if err != nil {
				return nil, err
			}
			m.SetMapIndex(*keyValue, *valValue)
		}
		if err := d.expectByte(bencodeEnd); err != nil {
			return nil, err
		}
		return &m, nil
	case reflect.Pointer:
		out, err := d.decode(t.Elem())
		if err != nil {
			return nil, err
		}
		v := reflect.New(t.Elem())
		v.Elem().Set(*out)
		return &v, nil
	default:
		return nil, newDecodeError("cannot decode into %v", t.Kind())
	}
}

// decodeStruct expects the dict keys in the same sorted tag order the
// encoder writes. Every tagged field must be present.
func (d *decoder) decodeStruct(o interface{}) error {
	if err := d.expectByte(dictStart); err != nil {
		return err
	}

	ty := reflect.ValueOf(o).Elem().Type()
	fields := make(map[string]reflect.StructField)
	names := make([]string, 0, ty.NumField())
	for i := 0; i != ty.NumField(); i++ {
		f := ty.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("bencode")
		if tag == "" {
			return newDecodeError("field %s.%s has no bencode tag", ty.Name(), f.Name)
		}
		fields[tag] = f
		names = append(names, tag)
	}
	sort.Strings(names)
	structValue := reflect.ValueOf(o).Elem()
	for _, name := range names {
		key, err := d.decodeString()
		if err != nil {
			return err
		}
		if string(key) != name {
			return newDecodeError("expected key %s, got %s", name, string(key))
		}
		val, err := d.decode(fields[name].Type)
		if err != nil {
			return err
		}
		structValue.FieldByName(fields[name].Name).Set(*val)
	}

	return d.expectByte(bencodeEnd)
}
