package sender

import (
	"context"
	"errors"
	"image"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

const DefaultFps = 10

// FrameSink is where the pump delivers frames; *Peer satisfies it.
type FrameSink interface {
	SetImage(img image.Image)
	Paused() bool
}

// Pump reads a Source at the negotiated rate and feeds the sink, looping
// at the end of the source.
type Pump struct {
	src    Source
	sink   FrameSink
	clock  clock.Clock
	logger zerolog.Logger
	fpsCh  chan int
	fps    int
}

func NewPump(src Source, sink FrameSink, fps int, clk clock.Clock, logger zerolog.Logger) *Pump {
	if fps <= 0 {
		fps = DefaultFps
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Pump{
		src:    src,
		sink:   sink,
		clock:  clk,
		logger: logger.With().Str("component", "pump").Logger(),
		fpsCh:  make(chan int, 1),
		fps:    fps,
	}
}

// SetFps changes the pacing. Non-positive values are ignored. Safe from
// any goroutine; only the latest value is kept.
func (p *Pump) SetFps(fps int) {
	if fps <= 0 {
		return
	}
	for {
		select {
		case p.fpsCh <- fps:
			return
		default:
		}
		select {
		case <-p.fpsCh:
		default:
		}
	}
}

func interval(fps int) time.Duration { return time.Second / time.Duration(fps) }

func (p *Pump) Run(ctx context.Context) error {
	ticker := p.clock.Ticker(interval(p.fps))
	defer func() { ticker.Stop() }()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fps := <-p.fpsCh:
			if fps == p.fps {
				continue
			}
			p.fps = fps
			ticker.Stop()
			ticker = p.clock.Ticker(interval(fps))
			p.logger.Info().Int("fps", fps).Msg("pacing changed")
		case <-ticker.C:
			if p.sink.Paused() {
				continue
			}
			img, err := p.next()
			if err != nil {
				p.logger.Warn().Err(err).Msg("read frame")
				continue
			}
			p.sink.SetImage(img)
		}
	}
}

func (p *Pump) next() (image.Image, error) {
	img, err := p.src.Next()
	if errors.Is(err, io.EOF) {
		if err := p.src.Reset(); err != nil {
			return nil, err
		}
		img, err = p.src.Next()
	}
	return img, err
}
