package media

import "encoding/binary"

// MixExcept averages the int16 PCM streams of every sender except one,
// truncated to the shortest stream and clipped to the int16 range. The
// exclusion keeps a listener from hearing their own voice echoed back.
// Returns nil when no other streams exist.
func MixExcept(streams map[string][]byte, exclude string) []byte {
	minSamples := -1
	count := 0
	for name, pcm := range streams {
		if name == exclude || len(pcm) < 2 {
			continue
		}
		samples := len(pcm) / 2
		if minSamples < 0 || samples < minSamples {
			minSamples = samples
		}
		count++
	}
	if count == 0 || minSamples <= 0 {
		return nil
	}

	sums := make([]int32, minSamples)
	for name, pcm := range streams {
		if name == exclude || len(pcm) < 2 {
			continue
		}
		for i := 0; i < minSamples; i++ {
			sums[i] += int32(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
		}
	}

	out := make([]byte, 2*minSamples)
	for i, sum := range sums {
		avg := sum / int32(count)
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(avg)))
	}
	return out
}
