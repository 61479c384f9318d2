package bencode

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

func encodeValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case string:
		return encodeString(buf, t)
	case []byte:
		return encodeString(buf, string(t))
	case int:
		return encodeInt(buf, int64(t))
	case int64:
		return encodeInt(buf, t)
	case Dict:
		return encodeDict(buf, t)
	case map[string]any:
		return encodeDict(buf, Dict(t))
	case []any:
		return encodeList(buf, t)
	}
	return encodeReflect(buf, reflect.ValueOf(v))
}

func encodeString(buf *bytes.Buffer, s string) error {
	buf.WriteString(strconv.Itoa(len(s)))
	buf.WriteByte(':')
	buf.WriteString(s)
	return nil
}

func encodeInt(buf *bytes.Buffer, n int64) error {
	buf.WriteByte('i')
	buf.WriteString(strconv.FormatInt(n, 10))
	buf.WriteByte('e')
	return nil
}

func encodeList(buf *bytes.Buffer, list []any) error {
	buf.WriteByte('l')
	for _, item := range list {
		if err := encodeValue(buf, item); err != nil {
			return err
		}
	}
	buf.WriteByte('e')
	return nil
}

func encodeDict(buf *bytes.Buffer, d Dict) error {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('d')
	for _, k := range keys {
		if err := encodeString(buf, k); err != nil {
			return err
		}
		if err := encodeValue(buf, d[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('e')
	return nil
}

// encodeReflect handles structs (via their `bencode:"..."` tags) and
// slices of arbitrary element type, so that Marshal can serialize the
// descriptor and tracker request/response structs directly.
func encodeReflect(buf *bytes.Buffer, v reflect.Value) error {
	if !v.IsValid() {
		return fmt.Errorf("bencode: cannot encode invalid value")
	}
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return fmt.Errorf("bencode: cannot encode nil %s", v.Kind())
		}
		return encodeReflect(buf, v.Elem())
	case reflect.String:
		return encodeString(buf, v.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return encodeInt(buf, v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return encodeInt(buf, int64(v.Uint()))
	case reflect.Bool:
		if v.Bool() {
			return encodeInt(buf, 1)
		}
		return encodeInt(buf, 0)
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			raw := make([]byte, v.Len())
			for i := 0; i < v.Len(); i++ {
				raw[i] = byte(v.Index(i).Uint())
			}
			return encodeString(buf, string(raw))
		}
		buf.WriteByte('l')
		for i := 0; i < v.Len(); i++ {
			if err := encodeReflect(buf, v.Index(i)); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
		return nil
	case reflect.Map:
		d := make(Dict, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			d[iter.Key().String()] = iter.Value().Interface()
		}
		return encodeDict(buf, d)
	case reflect.Struct:
		return encodeStruct(buf, v)
	default:
		return fmt.Errorf("bencode: cannot encode kind %s", v.Kind())
	}
}

func encodeStruct(buf *bytes.Buffer, v reflect.Value) error {
	type field struct {
		tag       string
		val       reflect.Value
		omitEmpty bool
	}
	t := v.Type()
	fields := make([]field, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.PkgPath != "" {
			continue // unexported
		}
		tag, opts := parseTag(sf)
		if tag == "-" {
			continue
		}
		if tag == "" {
			tag = sf.Name
		}
		fv := v.Field(i)
		if opts.omitEmpty && fv.IsZero() {
			continue
		}
		fields = append(fields, field{tag: tag, val: fv, omitEmpty: opts.omitEmpty})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].tag < fields[j].tag })

	buf.WriteByte('d')
	for _, f := range fields {
		if err := encodeString(buf, f.tag); err != nil {
			return err
		}
		if err := encodeReflect(buf, f.val); err != nil {
			return err
		}
	}
	buf.WriteByte('e')
	return nil
}

type tagOpts struct {
	omitEmpty bool
}

func parseTag(sf reflect.StructField) (string, tagOpts) {
	raw := sf.Tag.Get("bencode")
	if raw == "" {
		return "", tagOpts{}
	}
	parts := bytes.Split([]byte(raw), []byte(","))
	name := string(parts[0])
	opts := tagOpts{}
	for _, p := range parts[1:] {
		if string(p) == "omitempty" {
			opts.omitEmpty = true
		}
	}
	return name, opts
}

// Marshal encodes v (normally a pointer to a struct tagged with
// `bencode:"..."` fields) as canonical Bencode.
func Marshal(v any) ([]byte, error) {
	return Encode(v)
}

// Unmarshal decodes Bencode data into v, a pointer to a struct whose
// fields carry `bencode:"..."` tags, a map, or a slice. It is a partial
// deserializer: unknown dictionary keys in data are ignored.
func Unmarshal(data []byte, v any) error {
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("bencode: Unmarshal requires a non-nil pointer")
	}
	return assign(rv.Elem(), decoded)
}

func assign(dst reflect.Value, src any) error {
	switch dst.Kind() {
	case reflect.String:
		s, ok := src.(string)
		if !ok {
			return fmt.Errorf("bencode: cannot assign %T to string", src)
		}
		dst.SetString(s)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, ok := src.(int64)
		if !ok {
			return fmt.Errorf("bencode: cannot assign %T to int", src)
		}
		dst.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, ok := src.(int64)
		if !ok {
			return fmt.Errorf("bencode: cannot assign %T to uint", src)
		}
		dst.SetUint(uint64(n))
		return nil
	case reflect.Bool:
		n, ok := src.(int64)
		if !ok {
			return fmt.Errorf("bencode: cannot assign %T to bool", src)
		}
		dst.SetBool(n != 0)
		return nil
	case reflect.Slice:
		if dst.Type().Elem().Kind() == reflect.Uint8 {
			s, ok := src.(string)
			if !ok {
				return fmt.Errorf("bencode: cannot assign %T to []byte", src)
			}
			dst.SetBytes([]byte(s))
			return nil
		}
		list, ok := src.([]any)
		if !ok {
			return fmt.Errorf("bencode: cannot assign %T to slice", src)
		}
		out := reflect.MakeSlice(dst.Type(), len(list), len(list))
		for i, item := range list {
			if err := assign(out.Index(i), item); err != nil {
				return err
			}
		}
		dst.Set(out)
		return nil
	case reflect.Array:
		if dst.Type().Elem().Kind() == reflect.Uint8 {
			s, ok := src.(string)
			if !ok {
				return fmt.Errorf("bencode: cannot assign %T to byte array", src)
			}
			if len(s) != dst.Len() {
				return fmt.Errorf("bencode: byte array length mismatch: have %d, want %d", len(s), dst.Len())
			}
			for i := 0; i < dst.Len(); i++ {
				dst.Index(i).SetUint(uint64(s[i]))
			}
			return nil
		}
		list, ok := src.([]any)
		if !ok {
			return fmt.Errorf("bencode: cannot assign %T to array", src)
		}
		if len(list) != dst.Len() {
			return fmt.Errorf("bencode: array length mismatch: have %d, want %d", len(list), dst.Len())
		}
		for i, item := range list {
			if err := assign(dst.Index(i), item); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		d, ok := src.(Dict)
		if !ok {
			return fmt.Errorf("bencode: cannot assign %T to map", src)
		}
		out := reflect.MakeMapWithSize(dst.Type(), len(d))
		for k, v := range d {
			kv := reflect.New(dst.Type().Key()).Elem()
			kv.SetString(k)
			vv := reflect.New(dst.Type().Elem()).Elem()
			if err := assign(vv, v); err != nil {
				return err
			}
			out.SetMapIndex(kv, vv)
		}
		dst.Set(out)
		return nil
	case reflect.Struct:
		d, ok := src.(Dict)
		if !ok {
			return fmt.Errorf("bencode: cannot assign %T to struct", src)
		}
		t := dst.Type()
		for i := 0; i < t.NumField(); i++ {
			sf := t.Field(i)
			if sf.PkgPath != "" {
				continue
			}
			tag, _ := parseTag(sf)
			if tag == "-" {
				continue
			}
			if tag == "" {
				tag = sf.Name
			}
			val, present := d[tag]
			if !present {
				continue
			}
			if err := assign(dst.Field(i), val); err != nil {
				return fmt.Errorf("bencode: field %q: %w", tag, err)
			}
		}
		return nil
	case reflect.Ptr:
		if dst.IsNil() {
			dst.Set(reflect.New(dst.Type().Elem()))
		}
		return assign(dst.Elem(), src)
	case reflect.Interface:
		dst.Set(reflect.ValueOf(src))
		return nil
	default:
		return fmt.Errorf("bencode: cannot assign into kind %s", dst.Kind())
	}
}
