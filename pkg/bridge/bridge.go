// Package bridge connects one telephony media stream to one AI realtime
// session, transcoding audio in both directions and managing the call
// lifecycle from WebSocket upgrade to teardown.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/callergy/voicebridge/internal/config"
	"github.com/callergy/voicebridge/internal/metrics"
	"github.com/callergy/voicebridge/pkg/audio"
	"github.com/callergy/voicebridge/pkg/realtime"
	"github.com/callergy/voicebridge/pkg/telephony"
)

// AISession is the slice of the realtime session the bridge drives
type AISession interface {
	Greet(text string) error
	Append(pcm []byte) error
	Commit() error
	Cancel() error
	Audio() <-chan []byte
	OnError(handler func(error))
	Err() error
	Close() error
}

// AIDialer opens an AI session for a new call
type AIDialer interface {
	Dial(ctx context.Context, cfg realtime.Config) (AISession, error)
}

// DialerFunc adapts a function to the AIDialer interface
type DialerFunc func(ctx context.Context, cfg realtime.Config) (AISession, error)

// Dial implements AIDialer
func (f DialerFunc) Dial(ctx context.Context, cfg realtime.Config) (AISession, error) {
	return f(ctx, cfg)
}

func dialRealtime(ctx context.Context, cfg realtime.Config) (AISession, error) {
	sess, err := realtime.Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// CallEnder hangs up the provider call leg when the bridge dies mid-call
type CallEnder interface {
	CompleteCall(ctx context.Context, callSID string) error
}

// CallRecorder persists call lifecycle records
type CallRecorder interface {
	GetCallBySID(ctx context.Context, callSID string) (*telephony.CallRecord, error)
	CreateCall(ctx context.Context, record *telephony.CallRecord) error
	MarkInProgress(ctx context.Context, id uuid.UUID, streamSID string) error
	Finish(ctx context.Context, id uuid.UUID, errorDetail string) error
}

// Bridge serves media-stream WebSocket connections and runs one call per
// connection
type Bridge struct {
	audio    config.AudioConfig
	realtime config.RealtimeConfig

	logger   *slog.Logger
	metrics  *metrics.Metrics
	store    CallRecorder
	registry *Registry
	dialer   AIDialer
	calls    CallEnder // may be nil

	upgrader websocket.Upgrader
}

// New creates a bridge. dialer may be nil to dial the real upstream; calls
// may be nil when no REST credentials are configured.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, store CallRecorder, dialer AIDialer, calls CallEnder) *Bridge {
	if dialer == nil {
		dialer = DialerFunc(dialRealtime)
	}
	return &Bridge{
		audio:    cfg.Audio,
		realtime: cfg.Realtime,
		logger:   logger,
		metrics:  m,
		store:    store,
		registry: NewRegistry(),
		dialer:   dialer,
		calls:    calls,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Registry exposes the live session registry
func (b *Bridge) Registry() *Registry {
	return b.registry
}

// HandleStream upgrades the media-stream WebSocket and runs the call to
// completion before returning.
func (b *Bridge) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	stream := telephony.NewStream(conn)
	b.RunCall(r.Context(), stream)
}

// RunCall drives one call over an already-accepted media stream until both
// legs are released.
func (b *Bridge) RunCall(ctx context.Context, stream *telephony.Stream) {
	call := &CallSession{
		ID:        uuid.New(),
		StartedAt: time.Now(),
		commits:   NewCommitScheduler(b.audio.MinCommit()),
	}
	logger := b.logger.With("session_id", call.ID)

	// Without a credential the call can never be served; don't even count
	// the transport as connected.
	if b.realtime.APIKey == "" {
		logger.Error("rejecting call: no API key configured")
		b.metrics.CallsFailed.Inc()
		call.SetState(StateClosed)
		stream.Close()
		return
	}

	call.SetState(StateConnected)
	logger.Info("media stream connected")

	sess, err := b.dialer.Dial(ctx, b.sessionConfig())
	if err != nil {
		logger.Error("upstream dial failed", "error", err)
		b.metrics.CallsFailed.Inc()
		call.SetState(StateClosed)
		stream.Close()
		return
	}
	call.SetState(StateSessionEstablished)

	// Upstream error events are diagnostics, not call terminators; only a
	// dropped connection ends the session.
	sess.OnError(func(err error) {
		logger.Warn("upstream error event", "error", err)
		b.metrics.UpstreamErrors.Inc()
	})

	if err := sess.Greet(b.realtime.Greeting); err != nil {
		logger.Error("greeting request failed", "error", err)
		b.metrics.CallsFailed.Inc()
		call.SetState(StateClosed)
		sess.Close()
		stream.Close()
		return
	}
	call.SetState(StateGreetingSent)

	b.registry.Add(call)
	b.metrics.ActiveCalls.Inc()
	b.metrics.CallsStarted.Inc()

	pumpCtx, stop := context.WithCancel(ctx)
	defer stop()

	// Neither pump blocks on the context directly, so when either pump
	// exits (or the caller's context dies) release both legs to unblock
	// the other.
	go func() {
		<-pumpCtx.Done()
		stream.Close()
		sess.Close()
	}()

	var g errgroup.Group
	g.Go(func() error {
		defer stop()
		return b.inboundPump(call, stream, sess, logger)
	})
	g.Go(func() error {
		defer stop()
		return b.outboundPump(call, stream, sess, logger)
	})

	callErr := g.Wait()
	b.teardown(call, stream, sess, callErr, logger)
}

func (b *Bridge) sessionConfig() realtime.Config {
	return realtime.Config{
		APIKey:       b.realtime.APIKey,
		Model:        b.realtime.Model,
		BaseURL:      b.realtime.BaseURL,
		Voice:        b.realtime.Voice,
		Instructions: b.realtime.Instructions,
		InputFormat:  realtime.PCM16(b.audio.RealtimeRate),
		OutputFormat: realtime.PCM16(b.audio.RealtimeRate),
		PingInterval: b.realtime.PingInterval(),
		PongTimeout:  b.realtime.PongTimeout(),
	}
}

// inboundPump moves caller audio upstream: decode mu-law, upsample, append,
// commit on schedule. The first caller frame cancels the greeting.
func (b *Bridge) inboundPump(call *CallSession, stream *telephony.Stream, sess AISession, logger *slog.Logger) error {
	factor := b.audio.ResampleFactor()
	// The accumulator counts the transport's fixed frame interval, not the
	// measured payload length, so an undersized frame still advances the
	// commit window by one frame.
	frameInterval := b.audio.FrameDuration()

	stream.OnSkip = func(reason string) {
		b.metrics.FramesDropped.WithLabelValues(reason).Inc()
	}

	for {
		evt, err := stream.ReadEvent()
		if err != nil {
			if errors.Is(err, telephony.ErrStreamClosed) ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil
			}
			return fmt.Errorf("bridge: telephony read: %w", err)
		}

		switch evt.Kind {
		case telephony.EventStart:
			call.SetIdentifiers(stream.StreamSid(), stream.CallSid())
			logger.Info("stream started",
				"stream_sid", stream.StreamSid(), "call_sid", stream.CallSid())
			b.markInProgress(call)

		case telephony.EventMedia:
			b.metrics.FramesInbound.Inc()

			samples := audio.DecodeMulaw(evt.Audio)
			frame := audio.Frame{Samples: samples, Rate: b.audio.TelephonyRate, Direction: audio.Inbound}
			if frame.Empty() {
				b.metrics.FramesDropped.WithLabelValues(metrics.DropEmpty).Inc()
				continue
			}

			if call.bargeIn.TryFire() {
				if err := sess.Cancel(); err != nil {
					return fmt.Errorf("bridge: cancel greeting: %w", err)
				}
				b.metrics.BargeIns.Inc()
				call.SetState(StateActive)
				logger.Debug("caller barged in, greeting cancelled")
			}

			pcm := audio.SamplesToBytes(audio.UpsampleRepeat(samples, factor))
			if err := sess.Append(pcm); err != nil {
				return fmt.Errorf("bridge: upstream append: %w", err)
			}

			if call.commits.Add(frameInterval) {
				if err := sess.Commit(); err != nil {
					return fmt.Errorf("bridge: upstream commit: %w", err)
				}
				b.metrics.CommitsSent.Inc()
			}

		case telephony.EventStop:
			logger.Info("stream stopped by provider")
			return nil
		}
	}
}

// outboundPump moves synthesized audio back to the caller: downsample,
// encode mu-law, send as a media frame.
func (b *Bridge) outboundPump(call *CallSession, stream *telephony.Stream, sess AISession, logger *slog.Logger) error {
	factor := b.audio.ResampleFactor()

	for chunk := range sess.Audio() {
		samples := audio.DownsampleMean(audio.BytesToSamples(chunk), factor)
		mulaw := audio.EncodeMulaw(samples)
		if len(mulaw) == 0 {
			b.metrics.FramesDropped.WithLabelValues(metrics.DropEmpty).Inc()
			continue
		}

		if stream.StreamSid() == "" {
			b.metrics.FramesDropped.WithLabelValues(metrics.DropNoStream).Inc()
			continue
		}

		if err := stream.SendMedia(mulaw); err != nil {
			b.metrics.FramesDropped.WithLabelValues(metrics.DropWriteError).Inc()
			return fmt.Errorf("bridge: telephony write: %w", err)
		}
		b.metrics.FramesOutbound.Inc()
	}

	// Audio channel closed: upstream ended. A recorded error is fatal for
	// the call; a clean upstream close just ends the pump.
	if err := sess.Err(); err != nil {
		return fmt.Errorf("bridge: upstream session: %w", err)
	}
	return nil
}

func (b *Bridge) markInProgress(call *CallSession) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	callSID := call.CallSID()
	rec, err := b.store.GetCallBySID(ctx, callSID)
	if err != nil || rec == nil {
		rec = &telephony.CallRecord{
			CallSID:   callSID,
			StreamSID: call.StreamSID(),
		}
		if err := b.store.CreateCall(ctx, rec); err != nil {
			b.logger.Warn("failed to persist call record", "call_sid", callSID, "error", err)
			return
		}
	}
	call.SetRecordID(rec.ID)
	if err := b.store.MarkInProgress(ctx, rec.ID, call.StreamSID()); err != nil {
		b.logger.Warn("failed to update call record", "call_sid", callSID, "error", err)
	}
}

func (b *Bridge) teardown(call *CallSession, stream *telephony.Stream, sess AISession, callErr error, logger *slog.Logger) {
	call.SetState(StateClosing)

	stream.Close()
	sess.Close()

	b.registry.Remove(call.ID)
	b.metrics.ActiveCalls.Dec()
	b.metrics.CallDuration.Observe(time.Since(call.StartedAt).Seconds())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	detail := ""
	if callErr != nil && !errors.Is(callErr, realtime.ErrSessionClosed) {
		detail = callErr.Error()
		b.metrics.CallsFailed.Inc()
		logger.Error("call ended with error", "error", callErr)

		// The provider keeps the call leg open if only our socket died;
		// hang it up so the caller is not left in silence.
		if b.calls != nil && call.CallSID() != "" {
			if err := b.calls.CompleteCall(ctx, call.CallSID()); err != nil {
				logger.Warn("failed to complete call leg", "call_sid", call.CallSID(), "error", err)
			}
		}
	} else {
		logger.Info("call ended", "duration", time.Since(call.StartedAt))
	}

	if id, ok := call.RecordID(); ok {
		if err := b.store.Finish(ctx, id, detail); err != nil {
			logger.Warn("failed to finalize call record", "error", err)
		}
	}

	call.SetState(StateClosed)
}

// ServeStatus writes the live call sessions as JSON
func (b *Bridge) ServeStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"active_calls": b.registry.Len(),
		"sessions":     b.registry.List(),
	})
}
