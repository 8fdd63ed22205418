// image-sender streams a still image, an image directory, an animated GIF
// or an MJPEG file to an image-socket server, reconnecting with backoff
// whenever the connection drops.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	obs "github.com/DavidABSiepmann/image-socket-sub001/internal/infrastructure/observability"
	"github.com/DavidABSiepmann/image-socket-sub001/internal/sender"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	server         string
	port           int
	path           string
	video          string
	alias          string
	legacy         bool
	quality        int
	fps            int
	connectTimeout time.Duration
	backoffBase    time.Duration
	backoffMax     time.Duration
	maxRetries     int
	logLevel       string
	logFormat      string
}

func run(args []string) error {
	var o options
	flagSet := pflag.NewFlagSet("image-sender", pflag.ContinueOnError)
	flagSet.StringVar(&o.server, "server", "127.0.0.1", "server host")
	flagSet.IntVarP(&o.port, "port", "p", 8765, "server stream port")
	flagSet.StringVar(&o.path, "path", "/", "websocket path on the server")
	flagSet.StringVarP(&o.video, "video", "v", "", "image, image directory, .gif or .mjpeg to stream (required)")
	flagSet.StringVarP(&o.alias, "alias", "a", "", "alias announced to the server (default: hostname)")
	flagSet.BoolVar(&o.legacy, "legacy", false, "use the sentinel framing for frames")
	flagSet.IntVarP(&o.quality, "quality", "q", sender.DefaultQuality, "jpeg quality 1..100")
	flagSet.IntVar(&o.fps, "fps", sender.DefaultFps, "initial frame rate until the server pushes one")
	flagSet.DurationVar(&o.connectTimeout, "connect-timeout", 3*time.Second, "handshake timeout per attempt")
	flagSet.DurationVar(&o.backoffBase, "backoff-base", sender.DefaultBackoff().Base, "first reconnect delay")
	flagSet.DurationVar(&o.backoffMax, "backoff-max", sender.DefaultBackoff().Max, "reconnect delay cap")
	flagSet.IntVar(&o.maxRetries, "max-retries", 0, "give up after this many failed attempts (0 retries forever)")
	flagSet.StringVar(&o.logLevel, "log-level", "info", "trace, debug, info, warn or error")
	flagSet.StringVar(&o.logFormat, "log-format", "console", "json or console")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		fmt.Fprintf(os.Stderr, "Usage: image-sender --video PATH [flags]\n\n%s", flagSet.FlagUsages())
		return nil
	}
	if o.video == "" {
		return fmt.Errorf("--video is required")
	}
	if o.quality < 1 || o.quality > 100 {
		return fmt.Errorf("--quality must be within 1..100, got %d", o.quality)
	}
	if o.alias == "" {
		o.alias, _ = os.Hostname()
	}

	logger := obs.NewLoggerTo(os.Stderr, o.logLevel, o.logFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return stream(ctx, o, clock.New(), *logger)
}

// stream runs the producer and the reconnect loop until ctx is done or the
// retries are exhausted. Cancellation is a clean exit.
func stream(ctx context.Context, o options, clk clock.Clock, logger zerolog.Logger) error {
	src, err := sender.OpenSource(o.video)
	if err != nil {
		return err
	}
	defer src.Close()

	target := url.URL{Scheme: "ws", Host: net.JoinHostPort(o.server, strconv.Itoa(o.port)), Path: o.path}
	peer := sender.NewPeer(sender.Config{
		URL:              target.String(),
		Alias:            o.alias,
		Legacy:           o.legacy,
		Quality:          o.quality,
		HandshakeTimeout: o.connectTimeout,
	}, sender.JPEGEncoder{}, logger)

	pump := sender.NewPump(src, peer, o.fps, clk, logger)
	peer.OnFps(pump.SetFps)

	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()
	pumpDone := make(chan error, 1)
	go func() { pumpDone <- pump.Run(pumpCtx) }()

	backoff := sender.DefaultBackoff()
	backoff.Base = o.backoffBase
	backoff.Max = o.backoffMax
	backoff.MaxRetries = o.maxRetries

	logger.Info().Str("url", target.String()).Str("alias", o.alias).Str("video", o.video).Bool("legacy", o.legacy).Msg("starting image-sender")
	err = sender.RunWithReconnect(ctx, peer, backoff, clk, logger)
	stopPump()
	<-pumpDone
	logger.Info().Uint64("dropped_frames", peer.Drops()).Msg("image-sender stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
