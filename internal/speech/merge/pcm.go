package merge

import (
	"context"
	"os"
	"readaloud/internal/speech/playback"

	"github.com/faiface/beep"
	"github.com/faiface/beep/wav"
)

// PCMConcat decodes every part, resamples to the first part's rate and
// encodes one WAV file. It is the only strategy that fills gaps with silence.
type PCMConcat struct{}

func (PCMConcat) Name() string { return "pcm-concat" }

func (PCMConcat) Supports(ext string) bool { return ext == ".wav" }

func (PCMConcat) Merge(ctx context.Context, segments []Segment, out string) error {
	type decoded struct {
		streamer beep.StreamSeekCloser
		format   beep.Format
	}

	parts := make(map[int]decoded)
	var (
		format beep.Format
		first  = true
	)
	defer func() {
		for _, p := range parts {
			p.streamer.Close()
		}
	}()

	for i, seg := range segments {
		if seg.Path == "" {
			continue
		}
		f, err := os.Open(seg.Path)
		if err != nil {
			return err
		}
		s, fm, err := playback.Decode(f, seg.Path)
		if err != nil {
			f.Close()
			return err
		}
		parts[i] = decoded{streamer: s, format: fm}
		if first {
			format, first = fm, false
		}
	}
	if first {
		return ErrNothingToMerge
	}

	var streamers []beep.Streamer
	for i, seg := range segments {
		p, ok := parts[i]
		if !ok {
			if n := format.SampleRate.N(seg.Silence); n > 0 {
				streamers = append(streamers, beep.Silence(n))
			}
			continue
		}
		var s beep.Streamer = p.streamer
		if p.format.SampleRate != format.SampleRate {
			s = beep.Resample(4, p.format.SampleRate, format.SampleRate, s)
		}
		streamers = append(streamers, s)
	}

	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := wav.Encode(f, &ctxStreamer{ctx: ctx, s: beep.Seq(streamers...)}, format); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, p := range parts {
		if err := p.streamer.Err(); err != nil {
			return err
		}
	}
	return f.Close()
}

// ctxStreamer ends the stream once ctx is done.
type ctxStreamer struct {
	ctx context.Context
	s   beep.Streamer
}

func (c *ctxStreamer) Stream(samples [][2]float64) (int, bool) {
	if c.ctx.Err() != nil {
		return 0, false
	}
	return c.s.Stream(samples)
}

func (c *ctxStreamer) Err() error {
	if err := c.ctx.Err(); err != nil {
		return err
	}
	return c.s.Err()
}
