package audio

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDecodeInboundRawPCM(t *testing.T) {
	c := NewCodec(0, "")
	pcm := []byte{1, 2, 3, 4, 5, 6}
	f, err := c.DecodeInbound(base64.StdEncoding.EncodeToString(pcm))
	if err != nil {
		t.Fatalf("DecodeInbound() error = %v", err)
	}
	if !bytes.Equal(f.Data, pcm) {
		t.Fatalf("Data = %v, want %v", f.Data, pcm)
	}
	if f.Source != SourceClient || f.Encoding != EncodingPCM16 || f.SampleRate != InputSampleRate {
		t.Fatalf("unexpected frame metadata: %+v", f)
	}
}

func TestDecodeInboundAcceptsUnpaddedBase64(t *testing.T) {
	c := NewCodec(0, "")
	pcm := []byte{1, 2, 3, 4}
	f, err := c.DecodeInbound(base64.RawStdEncoding.EncodeToString(pcm))
	if err != nil {
		t.Fatalf("DecodeInbound() error = %v", err)
	}
	if !bytes.Equal(f.Data, pcm) {
		t.Fatalf("Data = %v, want %v", f.Data, pcm)
	}
}

func TestDecodeInboundResamplesWAV(t *testing.T) {
	c := NewCodec(0, "")
	// 8 samples at 8 kHz should become 16 samples at 16 kHz.
	pcm := make([]byte, 16)
	wav := encodeWAV16(t, pcm, 1, 8000)
	f, err := c.DecodeInbound(base64.StdEncoding.EncodeToString(wav))
	if err != nil {
		t.Fatalf("DecodeInbound() error = %v", err)
	}
	if len(f.Data) != 32 {
		t.Fatalf("len(Data) = %d, want 32", len(f.Data))
	}
}

func TestDecodeInboundErrorsAreIsolated(t *testing.T) {
	c := NewCodec(8, "")
	cases := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"not base64", "!!!"},
		{"truncated", base64.StdEncoding.EncodeToString([]byte{1, 2, 3})},
		{"oversize", base64.StdEncoding.EncodeToString(make([]byte, 10))},
	}
	for _, tc := range cases {
		_, err := c.DecodeInbound(tc.input)
		if !errors.Is(err, ErrAudioDecode) {
			t.Fatalf("%s: error = %v, want ErrAudioDecode", tc.name, err)
		}
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Fatalf("%s: error %T is not *DecodeError", tc.name, err)
		}
	}

	// A corrupt chunk does not poison the next one.
	if _, err := c.DecodeInbound(base64.StdEncoding.EncodeToString([]byte{9, 9})); err != nil {
		t.Fatalf("DecodeInbound() after corrupt chunk error = %v", err)
	}
}

func TestEncodeOutbound(t *testing.T) {
	frame := Frame{Data: []byte{1, 0, 2, 0}, Source: SourceUpstream, Encoding: EncodingPCM16, SampleRate: 24000}

	payload, mime, err := NewCodec(0, "pcm").EncodeOutbound(frame)
	if err != nil {
		t.Fatalf("EncodeOutbound(pcm) error = %v", err)
	}
	if mime != "audio/pcm;rate=24000" {
		t.Fatalf("mime = %q, want %q", mime, "audio/pcm;rate=24000")
	}
	if !bytes.Equal(payload, frame.Data) {
		t.Fatalf("payload = %v, want passthrough", payload)
	}

	payload, mime, err = NewCodec(0, "WAV").EncodeOutbound(frame)
	if err != nil {
		t.Fatalf("EncodeOutbound(wav) error = %v", err)
	}
	if mime != "audio/wav" || !strings.HasPrefix(string(payload), "RIFF") {
		t.Fatalf("wav output mime=%q prefix=%q", mime, payload[:4])
	}
	pcm, rate, err := DecodeWAVPCM16(payload)
	if err != nil || rate != 24000 || !bytes.Equal(pcm, frame.Data) {
		t.Fatalf("wav round trip = (%v, %d, %v)", pcm, rate, err)
	}
}

func TestParsePCMRate(t *testing.T) {
	if got := ParsePCMRate("audio/pcm;rate=24000", 16000); got != 24000 {
		t.Fatalf("ParsePCMRate() = %d, want 24000", got)
	}
	if got := ParsePCMRate("audio/pcm", 16000); got != 16000 {
		t.Fatalf("ParsePCMRate() = %d, want fallback 16000", got)
	}
}

func TestFramerSlicesAndFlushes(t *testing.T) {
	size := FrameBytes(100*time.Millisecond, 16000)
	if size != 3200 {
		t.Fatalf("FrameBytes() = %d, want 3200", size)
	}

	f := NewFramer(4)
	frames := f.Push([]byte{1, 2, 3})
	if len(frames) != 0 {
		t.Fatalf("len(frames) = %d, want 0", len(frames))
	}
	frames = f.Push([]byte{4, 5, 6, 7, 8, 9})
	if len(frames) != 2 {
		t.Fatalf("len(frames) = %d, want 2", len(frames))
	}
	if !bytes.Equal(frames[0], []byte{1, 2, 3, 4}) || !bytes.Equal(frames[1], []byte{5, 6, 7, 8}) {
		t.Fatalf("frames = %v", frames)
	}
	if got := f.Flush(); !bytes.Equal(got, []byte{9}) {
		t.Fatalf("Flush() = %v, want [9]", got)
	}
	if got := f.Flush(); got != nil {
		t.Fatalf("second Flush() = %v, want nil", got)
	}
}

func TestFramerPassThrough(t *testing.T) {
	f := NewFramer(0)
	frames := f.Push([]byte{1, 2})
	if len(frames) != 1 || !bytes.Equal(frames[0], []byte{1, 2}) {
		t.Fatalf("frames = %v", frames)
	}
	if f.Buffered() != 0 {
		t.Fatalf("Buffered() = %d, want 0", f.Buffered())
	}
}

func TestResamplePCM16Identity(t *testing.T) {
	pcm := []byte{1, 0, 2, 0}
	if got := ResamplePCM16(pcm, 16000, 16000); !bytes.Equal(got, pcm) {
		t.Fatalf("ResamplePCM16() = %v, want %v", got, pcm)
	}
}
