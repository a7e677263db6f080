package cloud

import (
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"
)

// The calling fabric takes 48 kHz mono Opus at 20 ms frame size on the
// uplink.
const (
	opusSampleRate  = 48000
	opusChannels    = 1
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960
	// opusFrameBytes is the exact PCM input size for one Opus frame.
	opusFrameBytes = opusFrameSize * opusChannels * 2 // 1920
)

// uplinkEncoder wraps a gopus Opus encoder for the call uplink. Encoder
// state carries across consecutive frames, so one encoder serves the whole
// call.
type uplinkEncoder struct {
	enc *gopus.Encoder
}

// newUplinkEncoder creates an Opus encoder in VoIP mode, which tunes the
// codec for speech.
func newUplinkEncoder() (*uplinkEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("rtc: create opus encoder: %w", err)
	}
	return &uplinkEncoder{enc: enc}, nil
}

// encode encodes exactly one frame of little-endian PCM (opusFrameBytes
// bytes) into an Opus packet.
func (e *uplinkEncoder) encode(pcmBytes []byte) ([]byte, error) {
	pcm := make([]int16, len(pcmBytes)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(pcmBytes[i*2:]))
	}
	opus, err := e.enc.Encode(pcm, opusFrameSize, len(pcmBytes))
	if err != nil {
		return nil, fmt.Errorf("rtc: opus encode: %w", err)
	}
	return opus, nil
}
