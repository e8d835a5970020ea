package bencode

import (
	"bufio"
	"bytes"
	"io"
	"testing"
)

func TestEncodeString(t *testing.T) {
	result := Encode(String("spam"))
	expected := []byte("4:spam")
	if !bytes.Equal(result, expected) {
		t.Errorf("Expected %s, got %s", expected, result)
	}
}

func TestEncodeInt(t *testing.T) {
	result := Encode(Int(42))
	expected := []byte("i42e")
	if !bytes.Equal(result, expected) {
		t.Errorf("Expected %s, got %s", expected, result)
	}
}

func TestEncodeIntZero(t *testing.T) {
	result := Encode(Int(0))
	expected := []byte("i0e")
	if !bytes.Equal(result, expected) {
		t.Errorf("Expected %s, got %s", expected, result)
	}
}

func TestEncodeIntNegative(t *testing.T) {
	result := Encode(Int(-42))
	expected := []byte("i-42e")
	if !bytes.Equal(result, expected) {
		t.Errorf("Expected %s, got %s", expected, result)
	}
}

func TestEncodeList(t *testing.T) {
	result := Encode(List(String("spam"), String("eggs")))
	expected := []byte("l4:spam4:eggse")
	if !bytes.Equal(result, expected) {
		t.Errorf("Expected %s, got %s", expected, result)
	}
}

func TestEncodeDictSortsKeys(t *testing.T) {
	result := Encode(Dict(map[string]Value{
		"spam": String("eggs"),
		"cow":  String("moo"),
	}))
	expected := []byte("d3:cow3:moo4:spam4:eggse")
	if !bytes.Equal(result, expected) {
		t.Errorf("Expected %s, got %s", expected, result)
	}
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	input := []byte("d3:cow3:moo4:spam4:eggse")
	v, err := Decode(input)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	out := Encode(v)
	if !bytes.Equal(out, input) {
		t.Errorf("Expected round-trip %s, got %s", input, out)
	}
}

func TestDecodeErrorMessage(t *testing.T) {
	input := []byte("d1:eli201e23:A Generic Error Ocurrede1:t2:aa1:y1:ee")
	v, err := Decode(input)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if v.Kind != KindDict {
		t.Fatalf("Expected a dict, got kind %v", v.Kind)
	}
	for _, key := range []string{"e", "t", "y"} {
		if _, ok := v.Dict[key]; !ok {
			t.Errorf("Missing key %q", key)
		}
	}
	errList := v.Dict["e"]
	if errList.Kind != KindList || len(errList.List) != 2 {
		t.Fatalf("Expected a 2-element list for 'e', got %+v", errList)
	}
	if errList.List[0].Int != 201 {
		t.Errorf("Expected error code 201, got %d", errList.List[0].Int)
	}
	if errList.List[1].Text() != "A Generic Error Ocurred" {
		t.Errorf("Expected error message, got %q", errList.List[1].Text())
	}
}

func TestDecodeInvalidIntegers(t *testing.T) {
	for _, input := range []string{"i-0e", "i03e", "i002e"} {
		if _, err := Decode([]byte(input)); err == nil {
			t.Errorf("Expected %q to fail to decode", input)
		}
	}
}

func TestDecodeEmptyInput(t *testing.T) {
	if _, err := Decode(nil); err != ErrEmptyInput {
		t.Errorf("Expected ErrEmptyInput, got %v", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	for _, input := range []string{"d3:cow3:moo", "l4:spam", "5:ab", "i42"} {
		if _, err := Decode([]byte(input)); err == nil {
			t.Errorf("Expected %q to fail to decode", input)
		}
	}
}

func TestDecodeDuplicateKeyLastWriteWins(t *testing.T) {
	v, err := Decode([]byte("d1:a1:x1:a1:ye"))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if v.Dict["a"].Text() != "y" {
		t.Errorf("Expected last-write-wins value 'y', got %q", v.Dict["a"].Text())
	}
}

func TestDecodeFromTracksConsumedBytes(t *testing.T) {
	data := []byte("d8:msg_typei1e5:piecei0eeABCDEF")
	r := bufio.NewReader(bytes.NewReader(data))
	v, err := DecodeFrom(r)
	if err != nil {
		t.Fatalf("DecodeFrom failed: %v", err)
	}
	if v.Dict["msg_type"].Int != 1 {
		t.Errorf("Expected msg_type 1, got %d", v.Dict["msg_type"].Int)
	}
	rest, _ := io.ReadAll(r)
	if !bytes.Equal(rest, []byte("ABCDEF")) {
		t.Errorf("Expected remaining bytes %q, got %q", "ABCDEF", rest)
	}
}

func TestGetMissingKey(t *testing.T) {
	v, _ := Decode([]byte("d3:cow3:mooe"))
	if _, ok := Get(v, "missing"); ok {
		t.Error("Expected Get to report missing key as absent")
	}
}
