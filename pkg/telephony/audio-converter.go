package telephony

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/zaf/g711"
)

// ============================================
// CODEC TRANSCODER
// ============================================
// Converts between the telephony leg (G.711 mu-law, 8kHz) and the
// realtime AI leg (signed 16-bit little-endian PCM, 24kHz).
//
// - mulaw 8kHz → PCM16 24kHz: stateless, linear interpolation
// - PCM16 24kHz → mulaw 8kHz: low-pass FIR + decimation, stateful per bridge
// ============================================

const (
	telephonySampleRate = 8000
	realtimeSampleRate  = 24000

	// resampleFactor is the ratio between the AI and telephony sample rates.
	resampleFactor = realtimeSampleRate / telephonySampleRate
)

const (
	lowPassTaps     = 31
	lowPassCutoffHz = 3400.0
)

// ErrOddPCMLength is returned when a PCM16 buffer ends in half a sample.
var ErrOddPCMLength = errors.New("PCM data length must be even (16-bit samples)")

var lowPassKernel = designLowPass(lowPassTaps, lowPassCutoffHz, realtimeSampleRate)

// MulawToLinear expands one G.711 mu-law code to a linear 16-bit sample.
func MulawToLinear(code byte) int16 {
	return g711.DecodeUlawFrame(code)
}

// LinearToMulaw compresses a linear 16-bit sample to a G.711 mu-law code.
func LinearToMulaw(sample int16) byte {
	// -32768 has no positive counterpart; the codec negates before segmenting.
	if sample == math.MinInt16 {
		sample = -math.MaxInt16
	}
	return g711.EncodeUlawFrame(sample)
}

// DecodeAndUpsample converts mulaw 8kHz mono to PCM16 24kHz mono.
// Every input byte yields exactly three output samples (six bytes).
func DecodeAndUpsample(mulawData []byte) []byte {
	n := len(mulawData)
	pcmData := make([]byte, n*resampleFactor*2)
	if n == 0 {
		return pcmData
	}

	next := int32(MulawToLinear(mulawData[0]))
	for i := 0; i < n; i++ {
		current := next
		if i+1 < n {
			next = int32(MulawToLinear(mulawData[i+1]))
		}
		// The last sample is held: there is nothing to interpolate towards.

		for k := int32(0); k < resampleFactor; k++ {
			sample := current + (next-current)*k/resampleFactor
			offset := (i*resampleFactor + int(k)) * 2
			binary.LittleEndian.PutUint16(pcmData[offset:offset+2], uint16(int16(sample)))
		}
	}

	return pcmData
}

// DownsampleFilter carries the anti-aliasing filter history between
// successive AI audio deltas of one call. It must not be shared between
// bridges.
type DownsampleFilter struct {
	history []float64 // last lowPassTaps-1 input samples, oldest first
	phase   int       // position inside the current decimation group
}

// NewDownsampleFilter creates a zeroed filter state
func NewDownsampleFilter() *DownsampleFilter {
	return &DownsampleFilter{
		history: make([]float64, lowPassTaps-1),
	}
}

// DownsampleAndEncode low-pass filters PCM16 24kHz audio, decimates it by
// three and compresses the result to mulaw 8kHz.
func (f *DownsampleFilter) DownsampleAndEncode(pcmData []byte) ([]byte, error) {
	if len(pcmData)%2 != 0 {
		return nil, ErrOddPCMLength
	}

	numSamples := len(pcmData) / 2
	mulawData := make([]byte, 0, (numSamples+f.phase)/resampleFactor+1)
	if numSamples == 0 {
		return mulawData, nil
	}

	window := make([]float64, len(f.history)+numSamples)
	copy(window, f.history)
	for i := 0; i < numSamples; i++ {
		window[len(f.history)+i] = float64(int16(binary.LittleEndian.Uint16(pcmData[i*2 : i*2+2])))
	}

	for i := 0; i < numSamples; i++ {
		if f.phase == 0 {
			var acc float64
			for tap, coefficient := range lowPassKernel {
				acc += coefficient * window[i+tap]
			}
			mulawData = append(mulawData, LinearToMulaw(clampPCM16(acc)))
		}
		f.phase = (f.phase + 1) % resampleFactor
	}

	copy(f.history, window[numSamples:])
	return mulawData, nil
}

// designLowPass builds a Hamming-windowed sinc kernel normalised to unity gain
func designLowPass(taps int, cutoffHz, sampleRate float64) []float64 {
	kernel := make([]float64, taps)
	fc := cutoffHz / sampleRate
	mid := float64(taps-1) / 2

	var sum float64
	for i := range kernel {
		x := float64(i) - mid
		sinc := 2 * fc
		if x != 0 {
			sinc = math.Sin(2*math.Pi*fc*x) / (math.Pi * x)
		}
		window := 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(taps-1))
		kernel[i] = sinc * window
		sum += kernel[i]
	}

	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

func clampPCM16(v float64) int16 {
	v = math.Round(v)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < -math.MaxInt16 {
		return -math.MaxInt16
	}
	return int16(v)
}
