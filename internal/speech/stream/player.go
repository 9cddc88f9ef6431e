// Package stream plays a run's chunks in order while later chunks are still
// being synthesized.
package stream

import (
	"context"
	"errors"
	"fmt"
	"readaloud/internal/speech/artifact"
	"readaloud/internal/speech/playback"
	"readaloud/internal/telemetry"

	"github.com/sirupsen/logrus"
)

type State int

const (
	StateWaiting State = iota
	StatePlaying
	StateDrained
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StatePlaying:
		return "playing"
	case StateDrained:
		return "drained"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Gap is a chunk that was not heard: it failed to synthesize or the device
// could not play it.
type Gap struct {
	Index int
	Err   error
}

type Result struct {
	Played []int
	Gaps   []Gap
}

type Player struct {
	device  playback.Device
	logger  logrus.FieldLogger
	metrics *telemetry.Metrics
	onState func(State, int)
}

type Option func(*Player)

func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Player) {
		p.metrics = m
	}
}

// WithStateHook is called on every state change with the chunk index the
// state refers to. Drained is reported with the chunk count.
func WithStateHook(fn func(State, int)) Option {
	return func(p *Player) {
		p.onState = fn
	}
}

func NewPlayer(device playback.Device, logger logrus.FieldLogger, opts ...Option) *Player {
	p := &Player{device: device, logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Play consumes slots strictly in index order, blocking on slot i even when
// later slots are already resolved. It returns once every slot has been
// observed, or with ctx's error if the run is cancelled first.
func (p *Player) Play(ctx context.Context, store *artifact.Store) (Result, error) {
	var result Result

	for i := 0; i < store.Len(); i++ {
		p.setState(StateWaiting, i)
		slot, err := store.Wait(ctx, i)
		if err != nil {
			return result, err
		}

		if slot.Failed() {
			p.gap(&result, i, slot.Err)
			continue
		}

		p.setState(StatePlaying, i)
		p.logger.WithFields(logrus.Fields{
			"chunk":  i,
			"device": p.device.Name(),
		}).Debug("Playing chunk")

		if err := p.device.Play(ctx, slot.Artifact.Path); err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			p.gap(&result, i, fmt.Errorf("playback: %w", err))
			continue
		}
		result.Played = append(result.Played, i)
	}

	p.setState(StateDrained, store.Len())
	return result, nil
}

func (p *Player) gap(result *Result, index int, cause error) {
	if cause == nil {
		cause = errors.New("unknown failure")
	}
	result.Gaps = append(result.Gaps, Gap{Index: index, Err: cause})
	p.metrics.ObserveGap()
	p.logger.WithError(cause).WithField("chunk", index).Warn("Skipping chunk during playback")
}

func (p *Player) setState(s State, index int) {
	if p.onState != nil {
		p.onState(s, index)
	}
}
