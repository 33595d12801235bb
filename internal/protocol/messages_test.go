package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseClientMessageAudioData(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"audio_data","audio":"AQID"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	audio, ok := msg.(AudioData)
	if !ok {
		t.Fatalf("message type = %T, want AudioData", msg)
	}
	if audio.Audio != "AQID" {
		t.Fatalf("Audio = %q, want %q", audio.Audio, "AQID")
	}
}

func TestParseClientMessageAcceptsEmptyAudio(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"audio_data"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if _, ok := msg.(AudioData); !ok {
		t.Fatalf("message type = %T, want AudioData", msg)
	}
}

func TestParseClientMessageControl(t *testing.T) {
	cases := []struct {
		raw  string
		want MessageType
	}{
		{`{"type":"audio_end"}`, TypeAudioEnd},
		{`{"type":"stop"}`, TypeStop},
		{`{"type":"text_message","text":"hello"}`, TypeTextMessage},
	}
	for _, tc := range cases {
		msg, err := ParseClientMessage([]byte(tc.raw))
		if err != nil {
			t.Fatalf("ParseClientMessage(%s) error = %v", tc.raw, err)
		}
		got, ok := TypeOf(msg)
		if !ok || got != tc.want {
			t.Fatalf("TypeOf(%s) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
	if !errors.Is(err, ErrClientProtocol) {
		t.Fatalf("error = %v, want ErrClientProtocol", err)
	}
}

func TestParseClientMessageRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{}`,
		`{"type":"audio_data","audio":42}`,
		`{"type":"text_message","text":""}`,
	} {
		_, err := ParseClientMessage([]byte(raw))
		var cpe *ClientProtocolError
		if !errors.As(err, &cpe) {
			t.Fatalf("ParseClientMessage(%s) error = %v, want *ClientProtocolError", raw, err)
		}
	}
}

func TestErrorMessageWireShape(t *testing.T) {
	raw, err := json.Marshal(NewError(CodeIllegalTransition, "audio_data not allowed while responding", false))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"type":"error","message":"audio_data not allowed while responding","code":"illegal_turn_transition"}`
	if string(raw) != want {
		t.Fatalf("json = %s, want %s", raw, want)
	}
}

func BenchmarkParseClientMessageAudioData(b *testing.B) {
	raw := []byte(`{"type":"audio_data","audio":"AQIDBAUGBwgJCgsMDQ4P"}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseClientMessage(raw)
		if err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
		if _, ok := msg.(AudioData); !ok {
			b.Fatalf("message type = %T, want AudioData", msg)
		}
	}
}
