package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	// InputSampleRate is the rate the upstream endpoint expects from the client.
	InputSampleRate = 16000
	// InputChannels is the channel count the upstream endpoint expects.
	InputChannels = 1

	// DefaultMaxChunkBytes bounds a single decoded client chunk (~8s at 16 kHz).
	DefaultMaxChunkBytes = 256 << 10

	OutputFormatPCM = "pcm"
	OutputFormatWAV = "wav"
)

// Source identifies which side of the relay produced a frame.
type Source uint8

const (
	SourceClient Source = iota + 1
	SourceUpstream
)

func (s Source) String() string {
	switch s {
	case SourceClient:
		return "client"
	case SourceUpstream:
		return "upstream"
	default:
		return "unknown"
	}
}

// Encoding tags the byte layout of Frame.Data.
type Encoding string

const (
	EncodingPCM16 Encoding = "pcm16le"
	EncodingWAV   Encoding = "wav"
)

// Frame is a unit of audio in transit through one session.
type Frame struct {
	Seq        uint64
	Data       []byte
	Source     Source
	Encoding   Encoding
	SampleRate int
}

// ErrAudioDecode matches every *DecodeError.
var ErrAudioDecode = errors.New("audio decode error")

// DecodeError reports a single unusable inbound chunk.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("audio decode: %s: %v", e.Reason, e.Err)
	}
	return "audio decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrAudioDecode }

// Codec converts between client audio payloads and upstream PCM frames.
// It holds configuration only and is safe to share between sessions.
type Codec struct {
	MaxChunkBytes int
	OutputFormat  string
}

// NewCodec returns a codec with defaults applied.
func NewCodec(maxChunkBytes int, outputFormat string) Codec {
	if maxChunkBytes <= 0 {
		maxChunkBytes = DefaultMaxChunkBytes
	}
	outputFormat = strings.ToLower(strings.TrimSpace(outputFormat))
	if outputFormat != OutputFormatWAV {
		outputFormat = OutputFormatPCM
	}
	return Codec{MaxChunkBytes: maxChunkBytes, OutputFormat: outputFormat}
}

// DecodeInbound turns one base64 client chunk into a 16 kHz mono PCM16LE frame.
// WAV-wrapped chunks are unwrapped, down-mixed and resampled. The returned
// frame has no sequence number; the session assigns one.
func (c Codec) DecodeInbound(encoded string) (Frame, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return Frame{}, &DecodeError{Reason: "empty chunk"}
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		// Some browser encoders strip padding.
		raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
		if err != nil {
			return Frame{}, &DecodeError{Reason: "invalid base64", Err: err}
		}
	}

	maxBytes := c.MaxChunkBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxChunkBytes
	}
	if len(raw) > maxBytes {
		return Frame{}, &DecodeError{Reason: fmt.Sprintf("chunk of %d bytes exceeds limit %d", len(raw), maxBytes)}
	}

	pcm := raw
	if IsWAV(raw) {
		mono, rate, err := DecodeWAVPCM16(raw)
		if err != nil {
			return Frame{}, &DecodeError{Reason: "invalid wav chunk", Err: err}
		}
		pcm = ResamplePCM16(mono, rate, InputSampleRate)
	} else if len(raw)%2 != 0 {
		return Frame{}, &DecodeError{Reason: fmt.Sprintf("truncated pcm16 chunk (%d bytes)", len(raw))}
	}
	if len(pcm) == 0 {
		return Frame{}, &DecodeError{Reason: "chunk carries no samples"}
	}

	return Frame{
		Data:       pcm,
		Source:     SourceClient,
		Encoding:   EncodingPCM16,
		SampleRate: InputSampleRate,
	}, nil
}

// EncodeOutbound renders an upstream frame for client playback and returns
// the payload together with its MIME type.
func (c Codec) EncodeOutbound(f Frame) ([]byte, string, error) {
	if f.Encoding != EncodingPCM16 {
		return f.Data, "application/octet-stream", nil
	}
	rate := f.SampleRate
	if rate <= 0 {
		rate = InputSampleRate
	}
	if c.OutputFormat == OutputFormatWAV {
		wav, err := EncodeWAVPCM16LE(f.Data, rate)
		if err != nil {
			return nil, "", fmt.Errorf("wrap wav: %w", err)
		}
		return wav, "audio/wav", nil
	}
	return f.Data, PCMMimeType(rate), nil
}

// PCMMimeType is the MIME type used for raw PCM16 at the given rate.
func PCMMimeType(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}

// ParsePCMRate extracts the rate parameter from an audio/pcm MIME type,
// returning fallback when absent.
func ParsePCMRate(mimeType string, fallback int) int {
	for _, part := range strings.Split(mimeType, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
