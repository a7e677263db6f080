package interview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/evrhire/cadenza/pkg/provider/stt"
	"github.com/evrhire/cadenza/pkg/provider/tts"
	"github.com/evrhire/cadenza/pkg/rtc"
	"github.com/evrhire/cadenza/pkg/types"
)

// InputTier is one candidate speech recognition backend, tried in list
// order. The first tier that opens a session serves the interview; tiers
// after it stay in reserve for a mid-session downgrade.
type InputTier struct {
	Name     string
	Provider stt.Provider
}

// OutputTier is one speech synthesis backend, tried in list order. Unlike
// input, the winning output tier is fixed for the whole session.
type OutputTier struct {
	Name     string
	Provider tts.Provider
}

// VideoTier is one calling fabric, tried in list order. The video channel is
// opportunistic: when every tier fails the interview proceeds without it.
type VideoTier struct {
	Name     string
	Platform rtc.Platform
}

// activeInput is the live recognition session plus the tiers not yet tried.
// A downgrade abandons the handle and re-opens from rest, so a failed tier
// is never attempted twice.
type activeInput struct {
	name   string
	handle stt.SessionHandle
	rest   []InputTier
}

// openInput walks tiers in order and returns the first that opens.
func openInput(ctx context.Context, tiers []InputTier, cfg stt.StreamConfig, logger *slog.Logger) (*activeInput, error) {
	if len(tiers) == 0 {
		return nil, errors.New("interview: no input tiers configured")
	}
	var errs []error
	for i, tier := range tiers {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("interview: input tier selection: %w", err)
		}
		handle, err := tier.Provider.StartStream(ctx, cfg)
		if err != nil {
			logger.Warn("input tier unavailable", "tier", tier.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", tier.Name, err))
			continue
		}
		logger.Info("input tier selected", "tier", tier.Name)
		return &activeInput{name: tier.Name, handle: handle, rest: tiers[i+1:]}, nil
	}
	return nil, fmt.Errorf("interview: all input tiers failed: %w", errors.Join(errs...))
}

// activeOutput is the live synthesis session. stream is set when the tier
// renders speech remotely and the client must attach to a media stream.
type activeOutput struct {
	name   string
	sess   tts.Session
	stream *tts.StreamInfo
}

// openOutput walks tiers in order and returns the first that opens.
func openOutput(ctx context.Context, tiers []OutputTier, voice types.VoiceProfile, sink tts.Sink, logger *slog.Logger) (*activeOutput, error) {
	if len(tiers) == 0 {
		return nil, errors.New("interview: no output tiers configured")
	}
	var errs []error
	for _, tier := range tiers {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("interview: output tier selection: %w", err)
		}
		sess, err := tier.Provider.OpenSession(ctx, voice, sink)
		if err != nil {
			logger.Warn("output tier unavailable", "tier", tier.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", tier.Name, err))
			continue
		}
		out := &activeOutput{name: tier.Name, sess: sess}
		if rr, ok := sess.(tts.RemoteRenderer); ok {
			info := rr.StreamInfo()
			out.stream = &info
		}
		logger.Info("output tier selected", "tier", tier.Name, "remote", out.stream != nil)
		return out, nil
	}
	return nil, fmt.Errorf("interview: all output tiers failed: %w", errors.Join(errs...))
}
