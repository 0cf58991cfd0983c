package protocol

import (
	"bytes"
	"testing"
)

func TestRoundTripRegister(t *testing.T) {
	want := RegisterPayload{Subdomain: "demo1", LocalPort: 8080, AuthToken: "tok", Timestamp: 1234}
	data, err := Encode(TypeRegister, want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	env, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != TypeRegister {
		t.Fatalf("type = %s, want %s", env.Type, TypeRegister)
	}

	var got RegisterPayload
	if err := env.DecodePayload(&got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestRoundTripAllSevenShapes(t *testing.T) {
	cases := []struct {
		typ     Type
		payload any
	}{
		{TypeRegister, RegisterPayload{Subdomain: "a", LocalPort: 80, Timestamp: 1}},
		{TypeRegistered, RegisteredPayload{TunnelID: "t1", PublicURL: "http://a.example.com", Subdomain: "a", Timestamp: 1}},
		{TypeClose, ClosePayload{TunnelID: "t1", Reason: "bye", Timestamp: 1}},
		{TypeHTTPRequest, HTTPRequestPayload{RequestID: "r1", Method: "GET", Path: "/x", Headers: map[string][]string{"X-Été": {"café"}}, Body: nil, Query: map[string][]string{}, Timestamp: 1}},
		{TypeHTTPResponse, HTTPResponsePayload{RequestID: "r1", StatusCode: 200, Headers: map[string][]string{}, Body: EncodeBody([]byte("pong")), Timestamp: 1}},
		{TypeHTTPError, HTTPErrorPayload{RequestID: "r1", Error: "boom", Code: "REQUEST_FAILED", Timestamp: 1}},
		{TypePing, PingPayload{Timestamp: 1}},
		{TypePong, PongPayload{Timestamp: 2, PingTimestamp: 1}},
	}

	for _, tc := range cases {
		data, err := Encode(tc.typ, tc.payload)
		if err != nil {
			t.Fatalf("%s: encode: %v", tc.typ, err)
		}
		env, err := Decode(data)
		if err != nil {
			t.Fatalf("%s: decode: %v", tc.typ, err)
		}
		if env.Type != tc.typ {
			t.Fatalf("%s: type = %s", tc.typ, env.Type)
		}
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"tunnel:teleport","payload":{}}`))
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	if err == nil {
		t.Fatal("expected error for malformed json")
	}
}

func TestBodyRoundTripArbitraryBytes(t *testing.T) {
	raw := []byte{0x00, 0xff, 0x10, 0x20, 'h', 'i', 0x00}
	encoded := EncodeBody(raw)
	if encoded == nil {
		t.Fatal("expected non-nil encoded body")
	}
	decoded, err := DecodeBody(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded, raw) {
		t.Fatalf("got %v, want %v", decoded, raw)
	}
}

func TestBodyNilRoundTrip(t *testing.T) {
	if EncodeBody(nil) != nil {
		t.Fatal("expected nil for nil body")
	}
	decoded, err := DecodeBody(nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != nil {
		t.Fatalf("got %v, want nil", decoded)
	}
}
