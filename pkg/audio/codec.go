// Package audio implements the sample-format conversions the bridge needs to
// move audio between a telephone leg (8 kHz G.711 µ-law) and a realtime AI
// leg (24 kHz linear PCM16).
//
// The companding transforms use the continuous µ-law curve rather than the
// segmented G.711 table; both ends of the bridge tolerate the (bounded)
// quantization difference. Resampling is nearest-neighbour repetition up and
// block averaging down; neither is band-limited.
package audio

import "math"

// mu is the µ-law companding constant.
const mu = 255.0

// DecodeMulaw expands µ-law codes into linear PCM16 samples.
// Empty input yields an empty (nil) result.
func DecodeMulaw(data []byte) []int16 {
	if len(data) == 0 {
		return nil
	}

	samples := make([]int16, len(data))
	for i, b := range data {
		// Codes are transmitted bit-inverted.
		y := float64(b^0xFF)/mu*2.0 - 1.0

		// Inverse companding curve: sign(y) * ((1+µ)^|y| - 1) / µ.
		x := math.Copysign((math.Pow(1.0+mu, math.Abs(y))-1.0)/mu, y)

		samples[i] = clampInt16(x * 32768.0)
	}
	return samples
}

// EncodeMulaw compresses linear PCM16 samples into µ-law codes.
// Empty input yields an empty (nil) result, never an all-zero buffer.
func EncodeMulaw(samples []int16) []byte {
	if len(samples) == 0 {
		return nil
	}

	out := make([]byte, len(samples))
	denom := math.Log1p(mu)
	for i, s := range samples {
		x := float64(s) / 32768.0
		if x > 1.0 {
			x = 1.0
		} else if x < -1.0 {
			x = -1.0
		}

		// Companding curve: sign(x) * log(1 + µ|x|) / log(1 + µ).
		y := math.Copysign(math.Log1p(mu*math.Abs(x))/denom, x)

		out[i] = uint8((y+1.0)/2.0*255.0) ^ 0xFF
	}
	return out
}

// UpsampleRepeat raises the sample rate by an integer factor, repeating each
// sample factor times. Factors below 2 return the input unchanged.
func UpsampleRepeat(samples []int16, factor int) []int16 {
	if factor < 2 || len(samples) == 0 {
		return samples
	}

	out := make([]int16, 0, len(samples)*factor)
	for _, s := range samples {
		for r := 0; r < factor; r++ {
			out = append(out, s)
		}
	}
	return out
}

// DownsampleMean lowers the sample rate by an integer factor, averaging each
// block of factor consecutive samples into one. An incomplete trailing block
// is discarded, never rounded up. Factors below 2 return the input unchanged.
func DownsampleMean(samples []int16, factor int) []int16 {
	if factor < 2 || len(samples) == 0 {
		return samples
	}

	n := len(samples) / factor
	if n == 0 {
		return nil
	}

	out := make([]int16, n)
	for i := 0; i < n; i++ {
		var sum int64
		for j := 0; j < factor; j++ {
			sum += int64(samples[i*factor+j])
		}
		out[i] = int16(sum / int64(factor))
	}
	return out
}

// SamplesToBytes frames PCM16 samples as little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	if len(samples) == 0 {
		return nil
	}

	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(uint16(s))
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

// BytesToSamples reads little-endian PCM16 bytes back into samples. An odd
// trailing byte is trimmed rather than treated as an error.
func BytesToSamples(data []byte) []int16 {
	n := len(data) / 2
	if n == 0 {
		return nil
	}

	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
	}
	return out
}

func clampInt16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
