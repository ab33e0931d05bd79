// Package audio implements the audio processing half of the assembly engine:
// WAV handling, per-segment loudness normalization, the two-pass
// concatenation assembler, and the final mastering chain. All decode/encode
// work is delegated to a time-bounded ffmpeg subprocess.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// WAV container constants.
const (
	wavHeaderSize = 44
	wavFormatPCM  = 1

	bitsPerSample  = 16
	bytesPerSample = bitsPerSample / 8

	msPerSecond = 1000
)

var (
	// ErrNotWAV is returned when the input lacks a RIFF/WAVE signature.
	ErrNotWAV = errors.New("data is not a WAV file")
	// ErrWAVChunkMissing is returned when a required chunk is absent.
	ErrWAVChunkMissing = errors.New("required WAV chunk missing")
)

// WAVInfo describes the format and payload of a parsed WAV buffer.
type WAVInfo struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	DataOffset    int
	DataSize      int
}

// Samples returns the number of sample frames in the data chunk.
func (w WAVInfo) Samples() int {
	frameSize := w.Channels * w.BitsPerSample / 8
	if frameSize == 0 {
		return 0
	}

	return w.DataSize / frameSize
}

// DurationMs returns the payload duration in whole milliseconds, rounded to
// nearest.
func (w WAVInfo) DurationMs() int {
	if w.SampleRate == 0 {
		return 0
	}

	return (w.Samples()*msPerSecond + w.SampleRate/2) / w.SampleRate
}

// WrapPCM wraps raw 16-bit little-endian PCM in a minimal WAV container.
func WrapPCM(pcm []byte, sampleRate, channels int) []byte {
	dataSize := len(pcm)
	byteRate := sampleRate * channels * bytesPerSample
	blockAlign := channels * bytesPerSample

	header := make([]byte, wavHeaderSize)
	le := binary.LittleEndian

	copy(header[0:4], "RIFF")
	le.PutUint32(header[4:8], uint32(wavHeaderSize-8+dataSize))
	copy(header[8:12], "WAVE")

	copy(header[12:16], "fmt ")
	le.PutUint32(header[16:20], 16)
	le.PutUint16(header[20:22], wavFormatPCM)
	le.PutUint16(header[22:24], uint16(channels))
	le.PutUint32(header[24:28], uint32(sampleRate))
	le.PutUint32(header[28:32], uint32(byteRate))
	le.PutUint16(header[32:34], uint16(blockAlign))
	le.PutUint16(header[34:36], uint16(bitsPerSample))

	copy(header[36:40], "data")
	le.PutUint32(header[40:44], uint32(dataSize))

	return append(header, pcm...)
}

// Silence returns a WAV buffer of zero samples for the given duration.
// Durations that round to zero samples yield an empty payload.
func Silence(durationSeconds float64, sampleRate, channels int) []byte {
	frames := int(durationSeconds*float64(sampleRate) + 0.5)
	if frames < 0 {
		frames = 0
	}

	pcm := make([]byte, frames*channels*bytesPerSample)

	return WrapPCM(pcm, sampleRate, channels)
}

// ParseWAV reads the fmt and data chunks of a WAV buffer. Size fields
// written by streaming encoders (ffmpeg piping to stdout leaves them at
// 0xFFFFFFFF) are clamped to the actual buffer length.
func ParseWAV(data []byte) (WAVInfo, error) {
	var info WAVInfo

	if len(data) < wavHeaderSize ||
		string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return info, ErrNotWAV
	}

	le := binary.LittleEndian
	offset := 12
	haveFmt, haveData := false, false

	for offset+8 <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := int(le.Uint32(data[offset+4 : offset+8]))
		body := offset + 8

		// Clamp bogus sizes from streamed output.
		if chunkSize < 0 || body+chunkSize > len(data) {
			chunkSize = len(data) - body
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return info, fmt.Errorf("%w: truncated fmt chunk", ErrWAVChunkMissing)
			}

			info.Channels = int(le.Uint16(data[body+2 : body+4]))
			info.SampleRate = int(le.Uint32(data[body+4 : body+8]))
			info.BitsPerSample = int(le.Uint16(data[body+14 : body+16]))
			haveFmt = true
		case "data":
			info.DataOffset = body
			info.DataSize = chunkSize
			haveData = true
		}

		// Chunks are word-aligned.
		offset = body + chunkSize + chunkSize%2
	}

	if !haveFmt {
		return info, fmt.Errorf("%w: fmt", ErrWAVChunkMissing)
	}

	if !haveData {
		return info, fmt.Errorf("%w: data", ErrWAVChunkMissing)
	}

	return info, nil
}
