package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseCommandConnect(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"type":"connect","accessToken":"tok","agentId":"a1","botId":"b1"}`))
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	if cmd.Type != TypeConnect {
		t.Errorf("Type: got %q, want %q", cmd.Type, TypeConnect)
	}
	if cmd.AccessToken != "tok" || cmd.AgentID != "a1" || cmd.BotID != "b1" {
		t.Errorf("unexpected fields: %+v", cmd)
	}
}

func TestParseCommandTransmit(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"type":"transmit","message":"MSH|^~\\&|A","forwardedFor":"10.0.0.1"}`))
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	if cmd.Message != `MSH|^~\&|A` {
		t.Errorf("Message: got %q", cmd.Message)
	}
	if cmd.ForwardedFor != "10.0.0.1" {
		t.Errorf("ForwardedFor: got %q", cmd.ForwardedFor)
	}
}

func TestParseCommandMalformed(t *testing.T) {
	for _, in := range []string{"hello", "{", "", `{"type":`} {
		if _, err := ParseCommand([]byte(in)); err == nil {
			t.Errorf("ParseCommand(%q): expected error", in)
		}
	}
}

func TestParseCommandNotObject(t *testing.T) {
	for _, in := range []string{`[1,2]`, `"connect"`, `42`, `null`} {
		_, err := ParseCommand([]byte(in))
		if !errors.Is(err, ErrNotObject) {
			t.Errorf("ParseCommand(%q): got %v, want ErrNotObject", in, err)
		}
	}
}

func TestParseCommandWrongFieldType(t *testing.T) {
	if _, err := ParseCommand([]byte(`{"type":"transmit","message":{"a":1}}`)); err == nil {
		t.Error("expected error for non-string message")
	}
}

func TestOutboundEncoding(t *testing.T) {
	tests := []struct {
		name string
		in   Outbound
		want string
	}{
		{"connected", Connected(), `{"type":"connected"}`},
		{"transmit", Transmit("ACK"), `{"type":"transmit","message":"ACK"}`},
		{"error", Error("Not connected"), `{"type":"error","message":"Not connected"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := json.Marshal(tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if string(b) != tt.want {
				t.Errorf("got %s, want %s", b, tt.want)
			}
		})
	}
}

func TestMessageString(t *testing.T) {
	if got := Transmit("x").MessageString(); got != "x" {
		t.Errorf("string: got %q", got)
	}
	if got := Transmit(map[string]int{"a": 1}).MessageString(); got != `{"a":1}` {
		t.Errorf("object: got %q", got)
	}
	if got := Connected().MessageString(); got != "" {
		t.Errorf("nil: got %q", got)
	}
}
