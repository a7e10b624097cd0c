package media

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
)

var ErrNotWAV = errors.New("not a WAV file")

type WAVInfo struct {
	SampleRate    uint32
	Channels      uint16
	BitsPerSample uint16
	DataSize      uint32
}

func (w WAVInfo) Samples() int64 {
	frame := int64(w.Channels) * int64(w.BitsPerSample) / 8
	if frame == 0 {
		return 0
	}
	return int64(w.DataSize) / frame
}

func (w WAVInfo) Duration() float64 {
	if w.SampleRate == 0 {
		return 0
	}
	return float64(w.Samples()) / float64(w.SampleRate)
}

// InspectWAV reads the RIFF header of a PCM wav file.
func InspectWAV(path string) (WAVInfo, error) {
	file, err := os.Open(path)
	if err != nil {
		return WAVInfo{}, err
	}
	defer file.Close()
	return readWAVHeader(file)
}

func readWAVHeader(r io.Reader) (WAVInfo, error) {
	header := make([]byte, 12)
	if _, err := io.ReadFull(r, header); err != nil {
		return WAVInfo{}, err
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return WAVInfo{}, ErrNotWAV
	}

	var info WAVInfo
	var haveFmt bool
	for {
		var chunkHeader [8]byte
		if _, err := io.ReadFull(r, chunkHeader[:]); err != nil {
			if errors.Is(err, io.EOF) && haveFmt {
				// no data chunk means no samples
				return info, nil
			}
			return WAVInfo{}, err
		}
		chunkID := string(chunkHeader[0:4])
		chunkSize := binary.LittleEndian.Uint32(chunkHeader[4:8])

		switch chunkID {
		case "fmt ":
			buf := make([]byte, chunkSize)
			if _, err := io.ReadFull(r, buf); err != nil {
				return WAVInfo{}, err
			}
			if len(buf) < 16 {
				return WAVInfo{}, ErrNotWAV
			}
			info.Channels = binary.LittleEndian.Uint16(buf[2:4])
			info.SampleRate = binary.LittleEndian.Uint32(buf[4:8])
			info.BitsPerSample = binary.LittleEndian.Uint16(buf[14:16])
			haveFmt = true
		case "data":
			if !haveFmt {
				return WAVInfo{}, ErrNotWAV
			}
			info.DataSize = chunkSize
			return info, nil
		default:
			if _, err := io.CopyN(io.Discard, r, int64(chunkSize)); err != nil {
				return WAVInfo{}, err
			}
		}
		if chunkSize%2 == 1 {
			if _, err := io.CopyN(io.Discard, r, 1); err != nil {
				return WAVInfo{}, err
			}
		}
	}
}
