package audio

import "encoding/binary"

// DownmixPCM16 averages interleaved PCM16LE channels into a single channel.
// A trailing partial sample frame is discarded.
func DownmixPCM16(pcm []byte, channels int) []byte {
	if channels <= 1 {
		if len(pcm)%2 != 0 {
			pcm = pcm[:len(pcm)-1]
		}
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out
	}
	frameBytes := channels * 2
	frames := len(pcm) / frameBytes
	out := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		base := i * frameBytes
		sum := 0
		for ch := 0; ch < channels; ch++ {
			sum += int(int16(binary.LittleEndian.Uint16(pcm[base+ch*2:])))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sum/channels)))
	}
	return out
}

// ResamplePCM16 converts mono PCM16LE between sample rates using linear
// interpolation. Equal rates return a copy.
func ResamplePCM16(pcm []byte, from, to int) []byte {
	n := len(pcm) / 2
	if from <= 0 || to <= 0 || from == to || n == 0 {
		out := make([]byte, n*2)
		copy(out, pcm)
		return out
	}

	outN := int(int64(n) * int64(to) / int64(from))
	if outN == 0 {
		outN = 1
	}
	out := make([]byte, outN*2)
	step := float64(from) / float64(to)
	for i := 0; i < outN; i++ {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= n-1 {
			copy(out[i*2:i*2+2], pcm[(n-1)*2:n*2])
			continue
		}
		frac := pos - float64(idx)
		a := float64(int16(binary.LittleEndian.Uint16(pcm[idx*2:])))
		b := float64(int16(binary.LittleEndian.Uint16(pcm[(idx+1)*2:])))
		v := a + (b-a)*frac
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}
