// Package realtime manages one WebSocket session against the OpenAI Realtime
// API per phone call.
//
// A Session is configured (session.update) before Dial returns and accepts
// audio immediately. Synthesized audio arrives on the Audio channel in the
// order the server produced it; non-fatal upstream error events are surfaced
// through OnError and never terminate the session by themselves. Connection
// loss, including a missed keepalive, closes the Audio channel and is
// reported by Err.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrMissingAPIKey is returned by Dial when no credential is configured.
// The bridge treats it as fatal to the call before any pump starts.
var ErrMissingAPIKey = errors.New("realtime: missing API key")

// ErrSessionClosed is returned by write operations after Close.
var ErrSessionClosed = errors.New("realtime: session closed")

const (
	defaultAudioBuffer     = 64
	defaultPingInterval    = 10 * time.Second
	defaultPongTimeout     = 30 * time.Second
	defaultHandshakeExpiry = 15 * time.Second
)

// AudioFormat describes one leg's sample format in session.update.
type AudioFormat struct {
	Type         string `json:"type"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

// PCM16 returns the linear PCM16 mono format at the given rate.
func PCM16(rateHz int) AudioFormat {
	return AudioFormat{Type: "pcm16", SampleRateHz: rateHz, Channels: 1}
}

// Config carries everything needed to open and configure a session.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string // ws(s) endpoint, without the model query parameter

	Voice        string
	Instructions string
	InputFormat  AudioFormat
	OutputFormat AudioFormat

	// Keepalive. A ping is written every PingInterval; not hearing back
	// within PongTimeout fails the read loop and ends the session.
	PingInterval time.Duration
	PongTimeout  time.Duration

	// AudioBuffer is the depth of the Audio channel. Zero means a default.
	AudioBuffer int
}

// ── Wire messages ──────────────────────────────────────────────────────────

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Instructions      string      `json:"instructions,omitempty"`
	InputAudioFormat  AudioFormat `json:"input_audio_format"`
	OutputAudioFormat AudioFormat `json:"output_audio_format"`
	Voice             string      `json:"voice,omitempty"`
}

type responseCreate struct {
	Type     string         `json:"type"`
	Response responseParams `json:"response"`
}

type responseParams struct {
	Instructions string   `json:"instructions"`
	Modalities   []string `json:"modalities"`
}

type bufferAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64 PCM16
}

// serverEvent is the subset of inbound Realtime events the bridge acts on.
type serverEvent struct {
	Type  string             `json:"type"`
	Audio string             `json:"audio,omitempty"` // response.audio.delta payload
	Error *serverErrorDetail `json:"error,omitempty"`
}

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Session ────────────────────────────────────────────────────────────────

// Session is one live Realtime connection. All exported methods are safe for
// concurrent use; outbound writes are serialized internally.
type Session struct {
	conn    *websocket.Conn
	audioCh chan []byte

	writeMu sync.Mutex // gorilla/websocket allows one writer at a time

	mu           sync.Mutex
	errVal       error
	closed       bool
	errorHandler func(error)

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the Realtime endpoint, sends the session configuration,
// and starts the receive and keepalive loops. It fails without side effects
// when the credential is absent or the connection attempt errors.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	if cfg.AudioBuffer <= 0 {
		cfg.AudioBuffer = defaultAudioBuffer
	}

	dialer := websocket.Dialer{HandshakeTimeout: defaultHandshakeExpiry}
	url := fmt.Sprintf("%s?model=%s", cfg.BaseURL, cfg.Model)
	header := http.Header{
		"Authorization": []string{"Bearer " + cfg.APIKey},
		"OpenAI-Beta":   []string{"realtime=v1"},
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime: dial: %w (status %s)", err, resp.Status)
		}
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}

	s := &Session{
		conn:    conn,
		audioCh: make(chan []byte, cfg.AudioBuffer),
		done:    make(chan struct{}),
	}

	// Configure exactly once, before any audio is appended.
	update := sessionUpdate{
		Type: "session.update",
		Session: sessionParams{
			Instructions:      cfg.Instructions,
			InputAudioFormat:  cfg.InputFormat,
			OutputAudioFormat: cfg.OutputFormat,
			Voice:             cfg.Voice,
		},
	}
	if err := s.writeJSON(update); err != nil {
		conn.Close()
		return nil, fmt.Errorf("realtime: session update: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	go s.readLoop()
	go s.pingLoop(cfg.PingInterval)

	return s, nil
}

// Greet requests an initial spoken turn with the given instructions text,
// letting the system speak before the caller does.
func (s *Session) Greet(text string) error {
	return s.writeJSON(responseCreate{
		Type: "response.create",
		Response: responseParams{
			Instructions: text,
			Modalities:   []string{"audio"},
		},
	})
}

// Append forwards one PCM16 chunk to the server's input buffer.
func (s *Session) Append(pcm []byte) error {
	return s.writeJSON(bufferAppend{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// Commit marks the buffered input as a complete chunk ready for processing.
func (s *Session) Commit() error {
	return s.writeJSON(map[string]string{"type": "input_audio_buffer.commit"})
}

// Cancel aborts the in-progress model response.
func (s *Session) Cancel() error {
	return s.writeJSON(map[string]string{"type": "response.cancel"})
}

// Audio returns the channel carrying decoded synthesized audio chunks in
// arrival order. It is closed when the session ends.
func (s *Session) Audio() <-chan []byte { return s.audioCh }

// Err returns the error that terminated the session, or nil while it is
// healthy or after a clean Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// OnError registers a callback for non-fatal upstream error events.
func (s *Session) OnError(handler func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorHandler = handler
}

// Close terminates the session and releases the connection. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.closeOnce.Do(func() { close(s.done) })

	s.writeMu.Lock()
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	return s.conn.Close()
}

// ── internals ──────────────────────────────────────────────────────────────

func (s *Session) writeJSON(v any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("realtime: write: %w", err)
	}
	return nil
}

// readLoop owns audioCh: it closes the channel when the connection ends, for
// any reason, so downstream consumers always observe termination.
func (s *Session) readLoop() {
	defer close(s.audioCh)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			if !s.closed && s.errVal == nil {
				s.errVal = err
			}
			s.mu.Unlock()
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		s.handleEvent(&evt)
	}
}

func (s *Session) handleEvent(evt *serverEvent) {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Audio == "" {
			return
		}
		chunk, err := base64.StdEncoding.DecodeString(evt.Audio)
		if err != nil || len(chunk) == 0 {
			return
		}
		select {
		case s.audioCh <- chunk:
		case <-s.done:
		}

	case "error":
		s.mu.Lock()
		handler := s.errorHandler
		s.mu.Unlock()
		if handler == nil {
			return
		}
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		handler(fmt.Errorf("realtime: server: %s", msg))
	}
}

// pingLoop keeps the connection alive. WriteControl is safe to call
// concurrently with WriteMessage, so it bypasses writeMu.
func (s *Session) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(interval)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
