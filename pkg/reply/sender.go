package reply

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/harunnryd/callturn/pkg/adapters/tts"
	"github.com/harunnryd/callturn/pkg/errorsx"
	"github.com/harunnryd/callturn/pkg/logging"
)

// Outbound is the caller-facing half of a transport.
type Outbound interface {
	Send(ctx context.Context, audio []byte) error
	// Clear discards audio the transport has queued but not yet played.
	Clear(ctx context.Context) error
	IsOpen() bool
}

var errTransportClosed = errorsx.Mark(errorsx.New(errorsx.ReasonTransportClosed, "transport closed during playback"), errorsx.ErrTransportClosed)

// PlayStats describes what reached the transport.
type PlayStats struct {
	Bytes        int
	Frames       int
	FirstAudioAt time.Time
}

// Sender streams synthesized audio to the caller in transport-sized frames.
type Sender struct {
	out        Outbound
	frameBytes int
	now        func() time.Time
	logger     *slog.Logger
}

func NewSender(out Outbound, frameBytes int, logger *slog.Logger) *Sender {
	if frameBytes <= 0 {
		frameBytes = 160
	}
	return &Sender{
		out:        out,
		frameBytes: frameBytes,
		now:        time.Now,
		logger:     logging.NewComponentLogger(logger, "reply_sender"),
	}
}

// Play drains stream into the transport. Open state and ctx are checked at
// every frame boundary. When a failure follows audio that was already sent,
// the transport is cleared so a retry does not play on top of it.
func (s *Sender) Play(ctx context.Context, stream tts.Stream) (PlayStats, error) {
	defer stream.Close()
	var stats PlayStats
	for {
		if err := s.check(ctx); err != nil {
			return stats, err
		}
		chunk, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			s.abort(ctx, stats)
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			return stats, errorsx.Wrap(err, errorsx.ReasonTTSStream)
		}
		for off := 0; off < len(chunk.Audio); off += s.frameBytes {
			if err := s.check(ctx); err != nil {
				return stats, err
			}
			end := min(off+s.frameBytes, len(chunk.Audio))
			if err := s.out.Send(ctx, chunk.Audio[off:end]); err != nil {
				if errors.Is(err, errorsx.ErrTransportClosed) || !s.out.IsOpen() {
					return stats, errTransportClosed
				}
				s.abort(ctx, stats)
				return stats, errorsx.Wrap(err, errorsx.ReasonTransportSend)
			}
			if stats.Frames == 0 {
				stats.FirstAudioAt = s.now()
			}
			stats.Bytes += end - off
			stats.Frames++
		}
		if chunk.Final {
			return stats, nil
		}
	}
}

func (s *Sender) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.out.IsOpen() {
		return errTransportClosed
	}
	return nil
}

func (s *Sender) abort(ctx context.Context, stats PlayStats) {
	if stats.Bytes == 0 || !s.out.IsOpen() {
		return
	}
	if err := s.out.Clear(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("reply_clear_failed",
			slog.Int("bytes_sent", stats.Bytes),
			slog.String("error", err.Error()))
		return
	}
	s.logger.Info("reply_cleared", slog.Int("bytes_sent", stats.Bytes))
}
