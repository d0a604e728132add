// Package wav wraps raw PCM slices in complete RIFF/WAVE files so that
// every chunk the relay ships is decodable on its own. A receiver that
// joins mid-broadcast, or skips a lost chunk, can hand any single payload
// to a decoder without chunks 0..N-1.
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const headerSize = 44

var (
	ErrTooShort   = errors.New("wav: payload shorter than header")
	ErrBadHeader  = errors.New("wav: malformed RIFF/WAVE header")
	ErrBadFormat  = errors.New("wav: unsupported format parameters")
	errNotPCM     = errors.New("wav: audio format is not PCM")
	errDataLength = errors.New("wav: data length disagrees with header")
)

// Format describes the PCM layout of a slice.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

func (f Format) validate() error {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return ErrBadFormat
	}
	if f.BitsPerSample != 8 && f.BitsPerSample != 16 && f.BitsPerSample != 24 && f.BitsPerSample != 32 {
		return ErrBadFormat
	}
	return nil
}

// BytesPerSecond returns the PCM byte rate for the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitsPerSample / 8
}

// EncodeSlice prepends a full 44-byte canonical WAV header to pcm.
// The input is not copied lazily; the result is an independent buffer.
func EncodeSlice(pcm []byte, f Format) ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	blockAlign := f.Channels * f.BitsPerSample / 8
	byteRate := f.SampleRate * blockAlign

	out := make([]byte, headerSize+len(pcm))
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], uint16(f.BitsPerSample))
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[headerSize:], pcm)
	return out, nil
}

// DecodeSlice parses a payload produced by EncodeSlice and returns its
// format and PCM data. It rejects payloads that are not standalone WAV
// files, which is exactly the property the ingest pipeline must preserve.
func DecodeSlice(payload []byte) (Format, []byte, error) {
	if len(payload) < headerSize {
		return Format{}, nil, ErrTooShort
	}
	if string(payload[0:4]) != "RIFF" || string(payload[8:12]) != "WAVE" || string(payload[12:16]) != "fmt " {
		return Format{}, nil, ErrBadHeader
	}
	if binary.LittleEndian.Uint16(payload[20:22]) != 1 {
		return Format{}, nil, errNotPCM
	}
	f := Format{
		Channels:      int(binary.LittleEndian.Uint16(payload[22:24])),
		SampleRate:    int(binary.LittleEndian.Uint32(payload[24:28])),
		BitsPerSample: int(binary.LittleEndian.Uint16(payload[34:36])),
	}
	if err := f.validate(); err != nil {
		return Format{}, nil, err
	}
	if string(payload[36:40]) != "data" {
		return Format{}, nil, ErrBadHeader
	}
	dataLen := int(binary.LittleEndian.Uint32(payload[40:44]))
	if dataLen != len(payload)-headerSize {
		return Format{}, nil, fmt.Errorf("%w: header says %d, have %d", errDataLength, dataLen, len(payload)-headerSize)
	}
	return f, payload[headerSize:], nil
}
