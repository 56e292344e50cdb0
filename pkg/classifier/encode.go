package classifier

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/MrWong99/presencegate/pkg/types"
)

// DataURI returns data as a base64 data URI with the given MIME type.
func DataURI(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// EncodeWAV wraps an audio sample in a RIFF/WAVE container. U8 samples keep
// their 8-bit unsigned layout; PCM16 samples are written as 16-bit signed.
func EncodeWAV(s types.Sample) ([]byte, error) {
	var bits int
	switch s.Encoding {
	case types.EncodingU8:
		bits = 8
	case types.EncodingPCM16:
		bits = 16
		if len(s.Data)%2 != 0 {
			return nil, fmt.Errorf("%w: odd pcm16 length %d", ErrMalformedSample, len(s.Data))
		}
	default:
		return nil, fmt.Errorf("%w: not audio: %q", ErrMalformedSample, s.Encoding)
	}
	rate := s.SampleRate
	if rate <= 0 {
		rate = 48000
	}
	channels := s.Channels
	if channels <= 0 {
		channels = 1
	}
	blockAlign := channels * bits / 8

	var buf bytes.Buffer
	buf.Grow(44 + len(s.Data))
	w := func(v any) { _ = binary.Write(&buf, binary.LittleEndian, v) }
	buf.WriteString("RIFF")
	w(uint32(36 + len(s.Data)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	w(uint32(16))
	w(uint16(1)) // PCM
	w(uint16(channels))
	w(uint32(rate))
	w(uint32(rate * blockAlign))
	w(uint16(blockAlign))
	w(uint16(bits))
	buf.WriteString("data")
	w(uint32(len(s.Data)))
	buf.Write(s.Data)
	return buf.Bytes(), nil
}
