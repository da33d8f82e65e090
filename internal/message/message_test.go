package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"testing"
)

func TestNewRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload any
		want    string
	}{
		{name: "nil payload", payload: nil, want: `{}`},
		{name: "empty raw", payload: json.RawMessage(nil), want: `{}`},
		{name: "map", payload: map[string]string{"url": "http://x"}, want: `{"url":"http://x"}`},
		{name: "raw passthrough", payload: json.RawMessage(`[1,2]`), want: `[1,2]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, err := NewRequest("fetchXML", "id-1", tt.payload)
			if err != nil {
				t.Fatal(err)
			}
			if m.Direction != Request {
				t.Errorf("direction = %q, want %q", m.Direction, Request)
			}
			if m.IsResponse() {
				t.Error("request reported as response")
			}
			if string(m.Payload) != tt.want {
				t.Errorf("payload = %s, want %s", m.Payload, tt.want)
			}
		})
	}
}

func TestNewRequestEncodeError(t *testing.T) {
	t.Parallel()
	if _, err := NewRequest("op", "id", make(chan int)); err == nil {
		t.Fatal("expected encode error")
	}
}

func TestResponses(t *testing.T) {
	t.Parallel()

	req, err := NewRequest("fetchXML", "id-7", nil)
	if err != nil {
		t.Fatal(err)
	}

	ok, err := NewResult(req, "<xml/>")
	if err != nil {
		t.Fatal(err)
	}
	if !ok.IsResponse() || !ok.OK || ok.ID != "id-7" || ok.Op != "fetchXML" {
		t.Errorf("unexpected result envelope: %+v", ok)
	}
	if string(ok.Result) != `"<xml/>"` {
		t.Errorf("result = %s", ok.Result)
	}

	fail, err := NewFailure(req, map[string]string{"message": "timeout"})
	if err != nil {
		t.Fatal(err)
	}
	if !fail.IsResponse() || fail.OK || fail.ID != "id-7" {
		t.Errorf("unexpected failure envelope: %+v", fail)
	}
	if string(fail.Error) != `{"message":"timeout"}` {
		t.Errorf("error = %s", fail.Error)
	}
}

func TestCodec(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	req, _ := NewRequest(OpInitialize, "a", map[string]string{"url": "http://x"})
	res, _ := NewResult(req, nil)
	for _, m := range []Message{req, res} {
		if err := enc.Encode(m); err != nil {
			t.Fatal(err)
		}
	}

	dec := NewDecoder(&buf)
	got1, err := dec.Decode()
	if err != nil {
		t.Fatal(err)
	}
	if got1.Op != OpInitialize || got1.ID != "a" || got1.Direction != Request {
		t.Errorf("first = %+v", got1)
	}
	if string(got1.Payload) != `{"url":"http://x"}` {
		t.Errorf("payload = %s", got1.Payload)
	}

	got2, err := dec.Decode()
	if err != nil {
		t.Fatal(err)
	}
	if !got2.OK || got2.Direction != Response || got2.ID != "a" {
		t.Errorf("second = %+v", got2)
	}

	if _, err := dec.Decode(); !errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want io.EOF", err)
	}
}
