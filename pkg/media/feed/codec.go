package feed

import (
	"errors"
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/presencegate/pkg/types"
)

// Opus feeds are decoded at 48 kHz. maxOpusFrameSize covers the longest
// Opus packet (120 ms).
const (
	opusSampleRate   = 48000
	maxOpusFrameSize = opusSampleRate * 120 / 1000
)

var errUnsupportedFormat = errors.New("unsupported frame format")

// frameDecoder turns agent frames into samples. Opus state is kept across
// frames, so one decoder serves one agent.
type frameDecoder struct {
	kind types.Kind

	opus         *gopus.Decoder
	opusChannels int
}

func (d *frameDecoder) decode(m AgentMessage) (types.Sample, error) {
	s := types.Sample{
		Kind:       d.kind,
		SampleRate: m.SampleRate,
		Channels:   m.Channels,
		Probe:      m.Probe,
	}
	if len(m.Data) == 0 {
		return s, errors.New("empty frame")
	}

	switch m.Format {
	case FormatU8, FormatPCM16, FormatOpus:
		if d.kind != types.KindAudio {
			return s, fmt.Errorf("%s frame on %s feed", m.Format, d.kind)
		}
		if s.Channels == 0 {
			s.Channels = 1
		}
	case FormatJPEG, FormatPNG:
		if d.kind != types.KindVideo {
			return s, fmt.Errorf("%s frame on %s feed", m.Format, d.kind)
		}
		s.SampleRate, s.Channels = 0, 0
	}

	switch m.Format {
	case FormatU8:
		s.Encoding, s.Data = types.EncodingU8, m.Data
	case FormatPCM16:
		if len(m.Data)%2 != 0 {
			return s, errors.New("odd pcm16 payload length")
		}
		s.Encoding, s.Data = types.EncodingPCM16, m.Data
	case FormatOpus:
		pcm, err := d.decodeOpus(m.Data, s.Channels)
		if err != nil {
			return s, err
		}
		s.Encoding, s.Data, s.SampleRate = types.EncodingPCM16, pcm, opusSampleRate
	case FormatJPEG:
		s.Encoding, s.Data = types.EncodingJPEG, m.Data
	case FormatPNG:
		s.Encoding, s.Data = types.EncodingPNG, m.Data
	default:
		return s, fmt.Errorf("%w %q", errUnsupportedFormat, m.Format)
	}
	return s, nil
}

func (d *frameDecoder) decodeOpus(packet []byte, channels int) ([]byte, error) {
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("opus: unsupported channel count %d", channels)
	}
	if d.opus == nil || d.opusChannels != channels {
		dec, err := gopus.NewDecoder(opusSampleRate, channels)
		if err != nil {
			return nil, fmt.Errorf("feed: create opus decoder: %w", err)
		}
		d.opus, d.opusChannels = dec, channels
	}
	pcm, err := d.opus.Decode(packet, maxOpusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("feed: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// int16sToBytes converts PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
