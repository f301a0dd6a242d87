package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"companionkit/core"

	"github.com/zaf/g711"
)

// WAV format tags per the RIFF spec.
const (
	wavFormatPCM  = 1
	wavFormatALaw = 6
	wavFormatULaw = 7
)

// PCMBytesToWavBytes wraps 16-bit little-endian PCM into a WAV container.
// Supports mono or stereo.
func PCMBytesToWavBytes(pcm []byte, numChannels, sampleRate int) ([]byte, error) {
	if err := ValidatePCMData(pcm, numChannels); err != nil {
		return nil, err
	}
	if sampleRate <= 0 {
		return nil, errors.New("sample rate must be positive")
	}
	return wrapWav(pcm, numChannels, sampleRate, 16, wavFormatPCM), nil
}

// ULawBytesToWavBytes wraps 8-bit G.711 µ-law samples into a WAV container
// (format tag 7). Telephony players expect 8000 Hz mono.
func ULawBytesToWavBytes(ulaw []byte, numChannels, sampleRate int) ([]byte, error) {
	if len(ulaw) == 0 {
		return nil, errors.New("audio data is empty")
	}
	if numChannels <= 0 || numChannels > 2 {
		return nil, errors.New("only mono (1) or stereo (2) channels supported")
	}
	if sampleRate <= 0 {
		return nil, errors.New("sample rate must be positive")
	}
	return wrapWav(ulaw, numChannels, sampleRate, 8, wavFormatULaw), nil
}

func wrapWav(data []byte, numChannels, sampleRate, bitsPerSample, formatTag int) []byte {
	blockAlign := numChannels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign
	dataSize := len(data)

	buf := bytes.NewBuffer(make([]byte, 0, 64+dataSize))
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(formatTag))
	binary.Write(buf, binary.LittleEndian, uint16(numChannels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(dataSize))
	buf.Write(data)

	return buf.Bytes()
}

// StripWAVHeaderIfPresent returns raw sample bytes if input starts with a
// RIFF/WAVE header. If the input is not a WAV file, it returns the input
// unchanged. Only extracts the "data" chunk and ignores other subchunks.
func StripWAVHeaderIfPresent(chunk []byte) ([]byte, error) {
	if len(chunk) < 12 {
		return chunk, nil
	}
	if !bytes.HasPrefix(chunk, []byte("RIFF")) || !bytes.Equal(chunk[8:12], []byte("WAVE")) {
		return chunk, nil
	}

	i := 12
	for i+8 <= len(chunk) {
		chunkID := string(chunk[i : i+4])
		chunkSize := binary.LittleEndian.Uint32(chunk[i+4 : i+8])
		next := i + 8 + int(chunkSize)

		if chunkID == "data" {
			if next > len(chunk) {
				return nil, errors.New("invalid WAV: data chunk exceeds buffer length")
			}
			return chunk[i+8 : next], nil
		}

		// Account for padding to even boundary
		if chunkSize%2 != 0 {
			next++
		}
		if next > len(chunk) {
			break
		}
		i = next
	}

	return nil, errors.New("invalid WAV: data chunk not found")
}

// PCMBytesToULaw converts 16-bit PCM bytes to 8-bit G.711 µ-law.
func PCMBytesToULaw(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, errors.New("PCM byte slice length must be even (16-bit samples)")
	}
	return g711.EncodeUlaw(pcm), nil
}

// ULawBytesToPCM converts 8-bit G.711 µ-law bytes to 16-bit PCM.
func ULawBytesToPCM(uBytes []byte) []byte {
	return g711.DecodeUlaw(uBytes)
}

// DecimatePCM downsamples 16-bit mono PCM by an integer factor, keeping every
// factor-th sample. The source rate must be an integer multiple of the target
// rate; anything finer belongs in a real resampler.
func DecimatePCM(pcm []byte, sourceRate, targetRate int) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, errors.New("PCM byte slice length must be even (16-bit samples)")
	}
	if sourceRate <= 0 || targetRate <= 0 {
		return nil, errors.New("sample rates must be positive")
	}
	if sourceRate == targetRate {
		return pcm, nil
	}
	if sourceRate%targetRate != 0 {
		return nil, fmt.Errorf("cannot decimate %d Hz to %d Hz: not an integer factor", sourceRate, targetRate)
	}

	factor := sourceRate / targetRate
	samples := len(pcm) / 2
	out := make([]byte, 0, (samples/factor+1)*2)
	for i := 0; i < samples; i += factor {
		out = append(out, pcm[i*2], pcm[i*2+1])
	}
	return out, nil
}

// ChunkToWavBytes serializes an AudioChunk into a WAV container based on its
// encoding format.
func ChunkToWavBytes(chunk core.AudioChunk) ([]byte, error) {
	switch chunk.Format {
	case core.PCM:
		return PCMBytesToWavBytes(chunk.Data, chunk.Channels, chunk.SampleRate)
	case core.ULAW:
		return ULawBytesToWavBytes(chunk.Data, chunk.Channels, chunk.SampleRate)
	default:
		return nil, fmt.Errorf("unsupported encoding format %d for WAV output", chunk.Format)
	}
}

// WavPCMToULawWav re-encodes a 16-bit mono PCM WAV as a µ-law WAV at
// targetRate (telephony output). The source rate must decimate cleanly to
// the target rate.
func WavPCMToULawWav(wav []byte, targetRate int) ([]byte, error) {
	formatTag, channels, sourceRate, err := parseWavFormat(wav)
	if err != nil {
		return nil, err
	}
	if formatTag != wavFormatPCM {
		return nil, fmt.Errorf("cannot transcode WAV format tag %d: 16-bit PCM required", formatTag)
	}
	if channels != 1 {
		return nil, fmt.Errorf("cannot transcode %d-channel WAV: mono required", channels)
	}

	pcm, err := StripWAVHeaderIfPresent(wav)
	if err != nil {
		return nil, err
	}
	pcm, err = DecimatePCM(pcm, sourceRate, targetRate)
	if err != nil {
		return nil, err
	}
	ulaw, err := PCMBytesToULaw(pcm)
	if err != nil {
		return nil, err
	}
	return ULawBytesToWavBytes(ulaw, 1, targetRate)
}

// parseWavFormat reads the fmt chunk of a RIFF/WAVE buffer.
func parseWavFormat(wav []byte) (formatTag, channels, sampleRate int, err error) {
	if len(wav) < 12 || !bytes.HasPrefix(wav, []byte("RIFF")) || !bytes.Equal(wav[8:12], []byte("WAVE")) {
		return 0, 0, 0, errors.New("not a RIFF/WAVE buffer")
	}

	i := 12
	for i+8 <= len(wav) {
		chunkID := string(wav[i : i+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[i+4 : i+8]))
		next := i + 8 + chunkSize

		if chunkID == "fmt " {
			if chunkSize < 16 || next > len(wav) {
				return 0, 0, 0, errors.New("invalid WAV: truncated fmt chunk")
			}
			formatTag = int(binary.LittleEndian.Uint16(wav[i+8 : i+10]))
			channels = int(binary.LittleEndian.Uint16(wav[i+10 : i+12]))
			sampleRate = int(binary.LittleEndian.Uint32(wav[i+12 : i+16]))
			return formatTag, channels, sampleRate, nil
		}

		if chunkSize%2 != 0 {
			next++
		}
		if next > len(wav) {
			break
		}
		i = next
	}

	return 0, 0, 0, errors.New("invalid WAV: fmt chunk not found")
}

// ValidatePCMData validates PCM byte array for basic integrity
func ValidatePCMData(pcm []byte, numChannels int) error {
	if len(pcm)%2 != 0 {
		return errors.New("PCM data must have even length (16-bit samples)")
	}
	if len(pcm) == 0 {
		return errors.New("PCM data is empty")
	}
	if numChannels <= 0 || numChannels > 2 {
		return errors.New("only mono (1) or stereo (2) channels supported")
	}
	if len(pcm)%(2*numChannels) != 0 {
		return errors.New("PCM data length doesn't match channel count")
	}
	return nil
}
