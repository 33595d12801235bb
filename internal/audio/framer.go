package audio

import "time"

// FrameBytes returns the PCM16 mono byte count for interval at sampleRate,
// rounded down to a whole sample. Non-positive intervals return 0.
func FrameBytes(interval time.Duration, sampleRate int) int {
	if interval <= 0 || sampleRate <= 0 {
		return 0
	}
	n := int(int64(sampleRate) * 2 * int64(interval) / int64(time.Second))
	return n - n%2
}

// Framer slices a PCM stream into fixed-size frames. A size of 0 passes
// every push through unchanged. Not safe for concurrent use.
type Framer struct {
	size int
	buf  []byte
}

func NewFramer(size int) *Framer {
	if size < 0 {
		size = 0
	}
	return &Framer{size: size}
}

// Push appends p and returns every complete frame now available, in order.
func (f *Framer) Push(p []byte) [][]byte {
	if len(p) == 0 {
		return nil
	}
	if f.size == 0 {
		out := make([]byte, len(p))
		copy(out, p)
		return [][]byte{out}
	}

	f.buf = append(f.buf, p...)
	var frames [][]byte
	for len(f.buf) >= f.size {
		frame := make([]byte, f.size)
		copy(frame, f.buf[:f.size])
		frames = append(frames, frame)
		f.buf = f.buf[f.size:]
	}
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return frames
}

// Flush returns the buffered partial frame, or nil when empty.
func (f *Framer) Flush() []byte {
	if len(f.buf) == 0 {
		return nil
	}
	out := make([]byte, len(f.buf))
	copy(out, f.buf)
	f.buf = nil
	return out
}

func (f *Framer) Buffered() int { return len(f.buf) }

func (f *Framer) Reset() { f.buf = nil }
