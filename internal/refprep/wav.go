package refprep

import (
	"encoding/binary"
	"fmt"
)

// decodePCM16WAV parses a canonical RIFF/WAVE container of 16-bit signed
// little-endian PCM and returns mono float64 samples in [-1, 1] plus the
// sample rate. No WAV-decoding library appears anywhere in the example
// corpus (see DESIGN.md), so this is a minimal hand-rolled parser covering
// exactly what the separation service emits: a standard "fmt " + "data"
// chunk layout, no extension chunks.
func decodePCM16WAV(data []byte) ([]float64, int, error) {
	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("refprep: not a RIFF/WAVE container")
	}

	var (
		channels   int
		sampleRate int
		bitsPerSmp int
		samples    []float64
	)

	offset := 12
	for offset+8 <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		if body+chunkSize > len(data) {
			break
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return nil, 0, fmt.Errorf("refprep: fmt chunk too small")
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bitsPerSmp = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
		case "data":
			if bitsPerSmp != 16 {
				return nil, 0, fmt.Errorf("refprep: unsupported bit depth %d", bitsPerSmp)
			}
			if channels <= 0 {
				return nil, 0, fmt.Errorf("refprep: data chunk before fmt chunk")
			}
			frameBytes := 2 * channels
			frameCount := chunkSize / frameBytes
			samples = make([]float64, frameCount)
			for i := 0; i < frameCount; i++ {
				var sum int32
				for ch := 0; ch < channels; ch++ {
					pos := body + i*frameBytes + ch*2
					sum += int32(int16(binary.LittleEndian.Uint16(data[pos : pos+2])))
				}
				samples[i] = float64(sum) / float64(channels) / 32768.0
			}
		}

		offset = body + chunkSize
		if chunkSize%2 == 1 {
			offset++ // chunks are word-aligned
		}
	}

	if samples == nil {
		return nil, 0, fmt.Errorf("refprep: no data chunk found")
	}
	return samples, sampleRate, nil
}

// DecodeWAV exposes decodePCM16WAV for internal/analysis's sync-offset step,
// which needs the same mono-PCM decode for the user's vocals stem that C6
// already performs for the reference's flow envelope.
func DecodeWAV(data []byte) ([]float64, int, error) {
	return decodePCM16WAV(data)
}
