// Package recording captures the interview to a FLAC stream and uploads it
// when the session ends.
//
// The recorder tees PCM off the microphone capture path: every frame handed
// to [Recorder.WriteFrame] is buffered and encoded in fixed-size blocks, so
// memory holds the compressed stream rather than raw samples. Upload is best
// effort — a store without blob storage or a failed PUT never blocks
// interview completion.
package recording

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"

	"github.com/evrhire/cadenza/pkg/types"
)

const (
	blockSize     = 4096
	bitsPerSample = 16
)

// Recorder encodes mono 16-bit PCM into an in-memory FLAC stream.
// Safe for concurrent use, though the session feeds it from one goroutine.
type Recorder struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	enc     *flac.Encoder
	pending []int16
	total   uint64
	closed  bool
	rate    int
}

// NewRecorder creates a recorder for mono 16-bit capture at sampleRate.
func NewRecorder(sampleRate int) (*Recorder, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("recording: sample rate must be positive, got %d", sampleRate)
	}
	r := &Recorder{rate: sampleRate}

	info := &meta.StreamInfo{
		BlockSizeMin:  blockSize,
		BlockSizeMax:  blockSize,
		SampleRate:    uint32(sampleRate),
		NChannels:     1,
		BitsPerSample: bitsPerSample,
		NSamples:      0,
	}
	enc, err := flac.NewEncoder(&r.buf, info)
	if err != nil {
		return nil, fmt.Errorf("recording: create flac encoder: %w", err)
	}
	enc.EnablePredictionAnalysis(true)
	r.enc = enc
	return r, nil
}

// WriteFrame appends one captured frame to the recording. Frames must carry
// mono 16-bit little-endian PCM at the recorder's sample rate.
func (r *Recorder) WriteFrame(f types.AudioFrame) error {
	if f.SampleRate != 0 && f.SampleRate != r.rate {
		return fmt.Errorf("recording: frame sample rate %d does not match recorder rate %d", f.SampleRate, r.rate)
	}
	if f.Channels > 1 {
		return fmt.Errorf("recording: only mono capture is recorded, got %d channels", f.Channels)
	}
	if len(f.Data)%2 != 0 {
		return fmt.Errorf("recording: odd PCM payload length %d", len(f.Data))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("recording: recorder is closed")
	}

	for i := 0; i+1 < len(f.Data); i += 2 {
		r.pending = append(r.pending, int16(binary.LittleEndian.Uint16(f.Data[i:])))
	}
	for len(r.pending) >= blockSize {
		if err := r.encodeBlock(r.pending[:blockSize]); err != nil {
			return err
		}
		r.pending = r.pending[blockSize:]
	}
	return nil
}

// encodeBlock writes one block of samples. Caller holds r.mu.
func (r *Recorder) encodeBlock(block []int16) error {
	samples32 := make([]int32, len(block))
	for i, s := range block {
		samples32[i] = int32(s)
	}

	subframe := &frame.Subframe{
		SubHeader: frame.SubHeader{
			Pred: frame.PredVerbatim,
		},
		Samples:  samples32,
		NSamples: len(block),
	}

	f := &frame.Frame{
		Header: frame.Header{
			BlockSize:     uint16(len(block)),
			SampleRate:    uint32(r.rate),
			Channels:      frame.ChannelsMono,
			BitsPerSample: bitsPerSample,
		},
		Subframes: []*frame.Subframe{subframe},
	}

	if err := r.enc.WriteFrame(f); err != nil {
		return fmt.Errorf("recording: write flac frame: %w", err)
	}
	r.total += uint64(len(block))
	return nil
}

// Close flushes the trailing partial block and finalizes the FLAC stream.
// Idempotent; [Recorder.Bytes] is stable after the first call.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	if len(r.pending) > 0 {
		if err := r.encodeBlock(r.pending); err != nil {
			return err
		}
		r.pending = nil
	}
	if err := r.enc.Close(); err != nil {
		return fmt.Errorf("recording: close flac encoder: %w", err)
	}
	return nil
}

// Bytes returns the encoded FLAC stream. Call after [Recorder.Close]; bytes
// taken earlier miss the trailing block.
func (r *Recorder) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Bytes()
}

// SampleCount returns the number of samples received so far, including any
// not yet flushed into a block.
func (r *Recorder) SampleCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total + uint64(len(r.pending))
}

// Duration returns the recorded audio length.
func (r *Recorder) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	samples := r.total + uint64(len(r.pending))
	return time.Duration(samples) * time.Second / time.Duration(r.rate)
}
