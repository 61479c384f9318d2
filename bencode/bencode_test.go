package bencode

import (
	"errors"
	"reflect"
	"testing"
)

func TestDecodeValid(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want any
	}{
		{"string", "4:spam", "spam"},
		{"empty string", "0:", ""},
		{"positive int", "i42e", int64(42)},
		{"zero", "i0e", int64(0)},
		{"negative int", "i-42e", int64(-42)},
		{"empty list", "le", []any{}},
		{"list of strings", "l4:spam4:eggse", []any{"spam", "eggs"}},
		{"empty dict", "de", Dict{}},
		{"dict", "d3:cow3:moo4:spam4:eggse", Dict{"cow": "moo", "spam": "eggs"}},
		{"nested", "d4:listl1:a1:bee", Dict{"list": []any{"a", "b"}}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := Decode([]byte(c.in))
			if err != nil {
				t.Fatalf("Decode(%q): unexpected error: %v", c.in, err)
			}
			if !reflect.DeepEqual(got, c.want) {
				t.Errorf("Decode(%q) = %#v, want %#v", c.in, got, c.want)
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []string{
		"4:sp",         // string shorter than declared length
		"i e",          // non-decimal integer
		"i01e",         // leading zero
		"i-0e",         // negative zero
		"l4:spam",      // unterminated list
		"d3:cow3:moo",  // unterminated dictionary
		"4:spam4:eggs", // trailing data at top level
		"di42e3:cowe",  // non-string dictionary key
	}
	for _, in := range cases {
		t.Run(in, func(t *testing.T) {
			_, err := Decode([]byte(in))
			if err == nil {
				t.Fatalf("Decode(%q): expected error, got none", in)
			}
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("Decode(%q): error %v does not wrap ErrMalformed", in, err)
			}
		})
	}
}

func TestDecodeUnsortedKeysRejected(t *testing.T) {
	// "spam" > "cow" lexicographically, so this dict is out of order.
	_, err := Decode([]byte("d4:spam3:cow3:cow4:spame"))
	if err == nil {
		t.Fatalf("expected error for out-of-order dictionary keys")
	}
}

func TestEncodeCanonical(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want string
	}{
		{"string", "spam", "4:spam"},
		{"int", 42, "i42e"},
		{"negative int", -42, "i-42e"},
		{"list", []any{"spam", "eggs"}, "l4:spam4:eggse"},
		{"dict sorts keys", Dict{"spam": "eggs", "cow": "moo"}, "d3:cow3:moo4:spam4:eggse"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := Encode(c.in)
			if err != nil {
				t.Fatalf("Encode(%#v): unexpected error: %v", c.in, err)
			}
			if string(got) != c.want {
				t.Errorf("Encode(%#v) = %q, want %q", c.in, got, c.want)
			}
		})
	}
}

func TestRoundTripDecodeEncode(t *testing.T) {
	// For every canonically encoded blob, encode(decode(b)) == b.
	blobs := []string{
		"4:spam",
		"i42e",
		"i-42e",
		"le",
		"l4:spam4:eggse",
		"d3:cow3:moo4:spam4:eggse",
	}
	for _, b := range blobs {
		t.Run(b, func(t *testing.T) {
			v, err := Decode([]byte(b))
			if err != nil {
				t.Fatalf("Decode(%q): %v", b, err)
			}
			got, err := Encode(v)
			if err != nil {
				t.Fatalf("Encode(%#v): %v", v, err)
			}
			if string(got) != b {
				t.Errorf("round trip = %q, want %q", got, b)
			}
		})
	}
}

func TestMarshalUnmarshalStruct(t *testing.T) {
	type info struct {
		PieceLength int    `bencode:"piece length"`
		Pieces      []byte `bencode:"pieces"`
		Length      int    `bencode:"length"`
		Name        string `bencode:"name"`
	}
	in := info{PieceLength: 262144, Pieces: []byte{1, 2, 3}, Length: 10, Name: "foo.bin"}

	encoded, err := Marshal(&in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out info
	if err := Unmarshal(encoded, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("round trip mismatch: got %#v, want %#v", out, in)
	}
}

func TestUnmarshalIgnoresUnknownKeys(t *testing.T) {
	type small struct {
		Name string `bencode:"name"`
	}
	var out small
	err := Unmarshal([]byte("d7:comment3:hi!4:name3:foo4:sizei99ee"), &out)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Name != "foo" {
		t.Errorf("Name = %q, want %q", out.Name, "foo")
	}
}
