package bencode

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

// Serialize encodes the value behind the pointer. Struct fields are written
// in sorted tag order and map keys are sorted, so the same value always
// produces the same bytes; envelope hashes and job payload comparisons
// depend on that.
func Serialize(s interface{}) ([]byte, error) {
	val := reflect.ValueOf(s)
	if val.Type().Kind() != reflect.Ptr {
		return nil, errors.New("bencode: Serialize requires a pointer")
	}
	var e encoder
	if err := e.encode(val.Elem()); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

type encoder struct {
	buf bytes.Buffer
}

// mapKeys orders map keys for encoding. Only key kinds that actually appear
// in the wire structs are supported.
type mapKeys []reflect.Value

func (s mapKeys) Len() int      { return len(s) }
func (s mapKeys) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s mapKeys) Less(i, j int) bool {
	switch s[i].Type().Kind() {
	case reflect.Array:
		if s[i].Type().Elem().Kind() != reflect.Uint8 {
			panic(fmt.Sprintf("bencode: cannot order map keys of array of %v", s[i].Type().Elem().Kind()))
		}
		for x := 0; x != s[i].Len(); x++ {
			ei := s[i].Index(x).Uint()
			ej := s[j].Index(x).Uint()
			if ei != ej {
				return ei < ej
			}
		}
		return false
	case reflect.String:
		return s[i].String() < s[j].String()
	case reflect.Uint64:
		return s[i].Uint() < s[j].Uint()
	default:
		panic(fmt.Sprintf("bencode: cannot order map keys of %v", s[i].Type().Kind()))
	}
}

func (e *encoder) encodeString(b []byte) error {
	if _, err := e.buf.WriteString(strconv.Itoa(len(b))); err != nil {
		return err
	}
	if err := e.buf.WriteByte(bytesLengthSep); err != nil {
		return err
	}
	_, err := e.buf.Write(b)
	return err
}

func (e *encoder) encodeInt(n int64) error {
	if err := e.buf.WriteByte(numberStart); err != nil {
		return err
	}
	if _, err := e.buf.WriteString(strconv.FormatInt(n, 10)); err != nil {
		return err
	}
	return e.buf.WriteByte(bencodeEnd)
}

func (e *encoder) encodeUint(n uint64) error {
	if err := e.buf.WriteByte(numberStart); err != nil {
		return err
	}
	if _, err := e.buf.WriteString(strconv.FormatUint(n, 10)); err != nil {
		return err
	}
	return e.buf.WriteByte(bencodeEnd)
}

func (e *encoder) encodeList(v reflect.Value) error {
	if err := e.buf.WriteByte(listStart); err != nil {
		return err
	}
	for i := 0; i != v.Len(); i++ {
		if err := e.encode(v.Index(i)); err != nil {
			return err
		}
	}
	return e.buf.WriteByte(bencodeEnd)
}

func (e *encoder) encode(v reflect.Value) error {
	switch v.Type().Kind() {
	case reflect.Bool:
		// Booleans ride as 0/1 integers.
		if v.Bool() {
			return e.encodeUint(1)
		}
		return e.encodeUint(0)
	case reflect.Int8, reflect.Int64:
		return e.encodeInt(v.Int())
	case reflect.Uint8, reflect.Uint32, reflect.Uint64:
		return e.encodeUint(v.Uint())
	case reflect.Array, reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			return e.encodeString(b)
		}
		return e.encodeList(v)
	case reflect.String:
		return e.encodeString([]byte(v.String()))
	case reflect.Struct:
		return e.encodeStruct(v)
	case reflect.Map:
		if err := e.buf.WriteByte(dictStart); err != nil {
			return err
		}
		keys := v.MapKeys()
		sort.Sort(mapKeys(keys))
		for _, k := range keys {
			if err := e.encode(k); err != nil {
				return err
			}
			if err := e.encode(v.MapIndex(k)); err != nil {
				return err
			}
		}
		return e.buf.WriteByte(bencodeEnd)
	case reflect.Pointer:
		return e.encode(reflect.Indirect(v))
	default:
		return fmt.Errorf("bencode: cannot encode %v", v.Type().Kind())
	}
}

func (e *encoder) encodeStruct(v reflect.Value) error {
	if err := e.buf.WriteByte(dictStart); err != nil {
		return err
	}

	ty := v.Type()
	fields := make(map[string]reflect.StructField)
	names := make([]string, 0, ty.NumField())
	for i := 0; i != ty.NumField(); i++ {
		f := ty.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("bencode")
		if tag == "" {
			return fmt.Errorf("bencode: field %s.%s has no bencode tag", ty.Name(), f.Name)
		}
		fields[tag] = f
		names = append(names, tag)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := e.encodeString([]byte(name)); err != nil {
			return err
		}
		if err := e.encode(v.FieldByName(fields[name].Name)); err != nil {
			return err
		}
	}
	return e.buf.WriteByte(bencodeEnd)
}
