package refprep

import (
	"encoding/binary"
	"math"
	"testing"
)

// buildMonoWAV16 constructs a minimal canonical RIFF/WAVE container of
// mono 16-bit PCM samples, for exercising decodePCM16WAV without any
// external fixture.
func buildMonoWAV16(t *testing.T, samples []int16, sampleRate int) []byte {
	t.Helper()
	dataSize := len(samples) * 2
	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[44+i*2:46+i*2], uint16(s))
	}
	return buf
}

func TestDecodePCM16WAVMono(t *testing.T) {
	raw := buildMonoWAV16(t, []int16{0, 16384, -16384, 32767}, 16000)
	samples, rate, err := decodePCM16WAV(raw)
	if err != nil {
		t.Fatalf("decodePCM16WAV: %v", err)
	}
	if rate != 16000 {
		t.Errorf("sampleRate = %d, want 16000", rate)
	}
	if len(samples) != 4 {
		t.Fatalf("len(samples) = %d, want 4", len(samples))
	}
	if math.Abs(samples[1]-0.5) > 0.01 {
		t.Errorf("samples[1] = %f, want ~0.5", samples[1])
	}
	if math.Abs(samples[2]+0.5) > 0.01 {
		t.Errorf("samples[2] = %f, want ~-0.5", samples[2])
	}
}

func TestDecodePCM16WAVRejectsNonRIFF(t *testing.T) {
	_, _, err := decodePCM16WAV([]byte("not a wav file at all"))
	if err == nil {
		t.Fatal("expected error for non-RIFF input")
	}
}

func TestDecodePCM16WAVRejectsMissingDataChunk(t *testing.T) {
	raw := buildMonoWAV16(t, []int16{1, 2, 3}, 16000)
	// Truncate before the data chunk to simulate a corrupt upload.
	truncated := raw[:36]
	_, _, err := decodePCM16WAV(truncated)
	if err == nil {
		t.Fatal("expected error for truncated container")
	}
}
