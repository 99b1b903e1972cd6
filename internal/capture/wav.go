package capture

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

type wavInfo struct {
	SampleRate int
	Channels   int
	BitDepth   int
	DataOffset int64
	DataSize   int64
}

func (w wavInfo) seconds() float64 {
	byteRate := w.SampleRate * w.Channels * w.BitDepth / 8
	if byteRate <= 0 {
		return 0
	}
	return float64(w.DataSize) / float64(byteRate)
}

// readWAVInfo walks the RIFF chunks until it finds fmt and data. A data size
// that overruns the file (segments cut off by a kill) is clamped to what is there.
func readWAVInfo(path string) (wavInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return wavInfo{}, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return wavInfo{}, err
	}

	var riff [12]byte
	if _, err := io.ReadFull(f, riff[:]); err != nil {
		return wavInfo{}, fmt.Errorf("read riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("not a RIFF/WAVE file")
	}

	var info wavInfo
	offset := int64(12)
	haveFmt := false
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			return wavInfo{}, fmt.Errorf("read chunk header: %w", err)
		}
		offset += 8
		id := string(hdr[0:4])
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))

		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(f, body); err != nil {
				return wavInfo{}, fmt.Errorf("read fmt chunk: %w", err)
			}
			if len(body) < 16 {
				return wavInfo{}, errors.New("short fmt chunk")
			}
			info.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			info.BitDepth = int(binary.LittleEndian.Uint16(body[14:16]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return wavInfo{}, errors.New("data chunk before fmt chunk")
			}
			info.DataOffset = offset
			info.DataSize = size
			if remaining := stat.Size() - offset; size == 0 || size > remaining {
				info.DataSize = remaining
			}
			return info, nil
		default:
			if _, err := f.Seek(size+size%2, io.SeekCurrent); err != nil {
				return wavInfo{}, fmt.Errorf("skip %q chunk: %w", id, err)
			}
		}
		offset += size + size%2
	}
}

// concatWAV joins PCM WAV files sharing one format without an encoder.
func concatWAV(inputs []string, outPath string) error {
	if len(inputs) == 0 {
		return errors.New("no inputs to concatenate")
	}

	infos := make([]wavInfo, len(inputs))
	var total int64
	for i, in := range inputs {
		info, err := readWAVInfo(in)
		if err != nil {
			return fmt.Errorf("inspect %s: %w", in, err)
		}
		if i > 0 && (info.SampleRate != infos[0].SampleRate || info.Channels != infos[0].Channels || info.BitDepth != infos[0].BitDepth) {
			return fmt.Errorf("format mismatch in %s", in)
		}
		infos[i] = info
		total += info.DataSize
	}

	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open wav output: %w", err)
	}
	defer out.Close()

	header, err := wavHeader(int(total), infos[0].SampleRate, infos[0].Channels, infos[0].BitDepth)
	if err != nil {
		return fmt.Errorf("build wav header: %w", err)
	}
	if _, err := out.Write(header); err != nil {
		return fmt.Errorf("write wav header: %w", err)
	}

	for i, in := range inputs {
		if err := copyRange(out, in, infos[i].DataOffset, infos[i].DataSize); err != nil {
			return fmt.Errorf("append %s: %w", in, err)
		}
	}
	return nil
}

func copyRange(dst io.Writer, path string, offset, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	_, err = io.CopyN(dst, f, size)
	return err
}

func wavHeader(dataSize, sampleRate, channels, bitDepth int) ([]byte, error) {
	byteRate := sampleRate * channels * bitDepth / 8
	blockAlign := channels * bitDepth / 8
	chunkSize := 36 + dataSize

	buf := bytes.NewBuffer(make([]byte, 0, 44))
	buf.WriteString("RIFF")
	if err := binary.Write(buf, binary.LittleEndian, uint32(chunkSize)); err != nil {
		return nil, err
	}
	buf.WriteString("WAVEfmt ")

	fields := []any{
		uint32(16),
		uint16(1),
		uint16(channels),
		uint32(sampleRate),
		uint32(byteRate),
		uint16(blockAlign),
		uint16(bitDepth),
	}
	for _, v := range fields {
		if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
			return nil, err
		}
	}

	buf.WriteString("data")
	if err := binary.Write(buf, binary.LittleEndian, uint32(dataSize)); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
