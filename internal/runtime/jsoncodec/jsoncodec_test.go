package jsoncodec

import (
	"testing"
)

type testPayload struct {
	ID       int     `json:"id"`
	Name     string  `json:"name"`
	Optional *string `json:"optional,omitempty"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := testPayload{ID: 42, Name: "meshbus"}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out testPayload
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if out != in {
		t.Fatalf("expected round trip to match, got %#v", out)
	}
}

func TestAbsentAndNullFieldsMatchStdlib(t *testing.T) {
	var out testPayload
	if err := Unmarshal([]byte(`{"id":1,"name":"a"}`), &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out.Optional != nil {
		t.Fatalf("expected absent field to stay nil, got %v", *out.Optional)
	}

	if err := Unmarshal([]byte(`{"id":1,"name":"a","optional":null}`), &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out.Optional != nil {
		t.Fatalf("expected null field to stay nil, got %v", *out.Optional)
	}

	data, err := Marshal(out)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != `{"id":1,"name":"a"}` {
		t.Fatalf("expected omitempty to drop nil pointer, got %s", data)
	}
}
