package merge

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
)

var errNoFrame = errors.New("no MPEG audio frame found")

// FrameConcat joins MP3 parts at the frame level without re-encoding. Tags
// are stripped and every part must share the first part's stream format.
type FrameConcat struct{}

func (FrameConcat) Name() string { return "frame-concat" }

func (FrameConcat) Supports(ext string) bool { return ext == ".mp3" }

func (FrameConcat) Merge(ctx context.Context, segments []Segment, out string) error {
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	var ref *frameHeader
	for _, seg := range segments {
		if seg.Path == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		data, err := os.ReadFile(seg.Path)
		if err != nil {
			return err
		}
		audio, hdr, err := mp3Frames(data)
		if err != nil {
			return fmt.Errorf("%s: %w", seg.Path, err)
		}
		if ref == nil {
			ref = &hdr
		} else if !ref.compatible(hdr) {
			return fmt.Errorf("%s is %s, expected %s: %w", seg.Path, hdr, *ref, ErrFormatMismatch)
		}
		if _, err := w.Write(audio); err != nil {
			return err
		}
	}
	if ref == nil {
		return ErrNothingToMerge
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Close()
}

// mp3Frames returns the audio frames of an MP3 file with ID3 tags, leading
// junk and a Xing/Info/VBRI header frame removed, plus the first frame's
// header.
func mp3Frames(data []byte) ([]byte, frameHeader, error) {
	data = stripID3v2(data)
	data = stripID3v1(data)

	start := -1
	var hdr frameHeader
	for i := 0; i+4 <= len(data); i++ {
		if data[i] != 0xFF || data[i+1]&0xE0 != 0xE0 {
			continue
		}
		h, err := parseFrameHeader(data[i:])
		if err != nil {
			continue
		}
		start, hdr = i, h
		break
	}
	if start < 0 {
		return nil, frameHeader{}, errNoFrame
	}
	data = data[start:]

	if isVBRHeaderFrame(data, hdr) && hdr.length <= len(data) {
		data = data[hdr.length:]
	}
	return data, hdr, nil
}

func stripID3v2(data []byte) []byte {
	if len(data) < 10 || !bytes.Equal(data[:3], []byte("ID3")) {
		return data
	}
	size := int(data[6]&0x7F)<<21 | int(data[7]&0x7F)<<14 | int(data[8]&0x7F)<<7 | int(data[9]&0x7F)
	total := 10 + size
	if data[5]&0x10 != 0 {
		total += 10 // footer
	}
	if total > len(data) {
		return nil
	}
	return data[total:]
}

func stripID3v1(data []byte) []byte {
	if len(data) >= 128 && bytes.Equal(data[len(data)-128:len(data)-125], []byte("TAG")) {
		return data[:len(data)-128]
	}
	return data
}

const (
	mpeg25 = 0
	mpeg2  = 2
	mpeg1  = 3

	layer3 = 1
	layer2 = 2
	layer1 = 3
)

var sampleRates = map[int][3]int{
	mpeg1:  {44100, 48000, 32000},
	mpeg2:  {22050, 24000, 16000},
	mpeg25: {11025, 12000, 8000},
}

// bitrates in kbps, indexed by the header's bitrate index.
var (
	bitratesV1L1 = [15]int{0, 32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448}
	bitratesV1L2 = [15]int{0, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384}
	bitratesV1L3 = [15]int{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320}
	bitratesV2L1 = [15]int{0, 32, 48, 56, 64, 80, 96, 112, 128, 144, 160, 176, 192, 224, 256}
	bitratesV2L3 = [15]int{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160}
)

type frameHeader struct {
	version    int
	layer      int
	bitrate    int
	sampleRate int
	channels   int
	crc        bool
	length     int
}

func (h frameHeader) String() string {
	v := map[int]string{mpeg1: "MPEG-1", mpeg2: "MPEG-2", mpeg25: "MPEG-2.5"}[h.version]
	return fmt.Sprintf("%s layer %d %dHz %dch", v, 4-h.layer, h.sampleRate, h.channels)
}

// compatible ignores the bitrate so VBR parts can be joined.
func (h frameHeader) compatible(o frameHeader) bool {
	return h.version == o.version && h.layer == o.layer &&
		h.sampleRate == o.sampleRate && h.channels == o.channels
}

func parseFrameHeader(b []byte) (frameHeader, error) {
	if len(b) < 4 || b[0] != 0xFF || b[1]&0xE0 != 0xE0 {
		return frameHeader{}, errNoFrame
	}
	h := frameHeader{
		version: int(b[1]>>3) & 0x3,
		layer:   int(b[1]>>1) & 0x3,
		crc:     b[1]&0x1 == 0,
	}
	if h.version == 1 || h.layer == 0 {
		return frameHeader{}, errors.New("reserved MPEG version or layer")
	}

	bitrateIndex := int(b[2] >> 4)
	rateIndex := int(b[2]>>2) & 0x3
	padding := int(b[2]>>1) & 0x1
	if bitrateIndex == 0 || bitrateIndex == 15 || rateIndex == 3 {
		return frameHeader{}, errors.New("free format or reserved header field")
	}

	switch {
	case h.version == mpeg1 && h.layer == layer1:
		h.bitrate = bitratesV1L1[bitrateIndex]
	case h.version == mpeg1 && h.layer == layer2:
		h.bitrate = bitratesV1L2[bitrateIndex]
	case h.version == mpeg1:
		h.bitrate = bitratesV1L3[bitrateIndex]
	case h.layer == layer1:
		h.bitrate = bitratesV2L1[bitrateIndex]
	default:
		h.bitrate = bitratesV2L3[bitrateIndex]
	}
	h.sampleRate = sampleRates[h.version][rateIndex]

	h.channels = 2
	if b[3]>>6 == 3 {
		h.channels = 1
	}

	bps := h.bitrate * 1000
	switch {
	case h.layer == layer1:
		h.length = (12*bps/h.sampleRate + padding) * 4
	case h.layer == layer3 && h.version != mpeg1:
		h.length = 72*bps/h.sampleRate + padding
	default:
		h.length = 144*bps/h.sampleRate + padding
	}
	return h, nil
}

// isVBRHeaderFrame reports whether the first frame carries encoder metadata
// instead of audio. Its frame count would be wrong for the joined file.
func isVBRHeaderFrame(frame []byte, h frameHeader) bool {
	if h.layer != layer3 {
		return false
	}
	side := 32
	switch {
	case h.version == mpeg1 && h.channels == 1:
		side = 17
	case h.version != mpeg1 && h.channels == 2:
		side = 17
	case h.version != mpeg1:
		side = 9
	}
	off := 4 + side
	if h.crc {
		off += 2
	}
	if hasTag(frame, off, "Xing") || hasTag(frame, off, "Info") {
		return true
	}
	return hasTag(frame, 36, "VBRI")
}

func hasTag(b []byte, off int, tag string) bool {
	return off+len(tag) <= len(b) && string(b[off:off+len(tag)]) == tag
}
