// Package telephony speaks the Twilio side of the bridge: the Media Streams
// WebSocket protocol, the TwiML webhook that points Twilio at it, the call
// record store, and route registration.
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrStreamClosed is returned by ReadEvent after a local Close.
var ErrStreamClosed = errors.New("telephony: stream closed")

// Skip reasons reported to OnSkip.
const (
	SkipMalformed = "malformed"
	SkipEmpty     = "empty"
)

// Media Streams event kinds.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
)

// idleTimeout bounds how long a stream may go silent before the read fails.
// Twilio delivers a media frame every 20ms on a live call, so hitting this
// means the transport is gone.
const idleTimeout = 60 * time.Second

// Message is one Media Streams WebSocket frame, inbound or outbound.
type Message struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid,omitempty"`
	Start     *StartPayload `json:"start,omitempty"`
	Media     *MediaPayload `json:"media,omitempty"`
}

// StartPayload carries the identifiers Twilio assigns when the stream opens.
type StartPayload struct {
	StreamSid  string `json:"streamSid"`
	CallSid    string `json:"callSid,omitempty"`
	AccountSid string `json:"accountSid,omitempty"`
}

// MediaPayload carries one base64-encoded µ-law audio frame.
type MediaPayload struct {
	Payload string `json:"payload"`
}

// Event is a decoded inbound stream event handed to the orchestrator.
// Kind is one of EventStart, EventMedia, EventStop; connected, unknown and
// malformed frames are consumed by the adapter without surfacing.
type Event struct {
	Kind  string
	Audio []byte // µ-law bytes, media events only
}

// Stream adapts one accepted Media Streams connection. It captures the
// stream identifier from the start event and refuses to emit outbound media
// until it has one. Safe for one concurrent reader plus any number of
// writers.
type Stream struct {
	conn *websocket.Conn

	// OnSkip, when set, is called with a reason for every inbound frame
	// the adapter consumed without surfacing. Set it before the first
	// ReadEvent call.
	OnSkip func(reason string)

	writeMu sync.Mutex

	mu        sync.Mutex
	streamSid string
	callSid   string
	closed    bool
}

// NewStream wraps an upgraded Media Streams connection.
func NewStream(conn *websocket.Conn) *Stream {
	return &Stream{conn: conn}
}

// StreamSid returns the identifier captured from the start event, or "" if
// none has arrived yet.
func (s *Stream) StreamSid() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSid
}

// CallSid returns the call identifier from the start event, if any.
func (s *Stream) CallSid() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callSid
}

// ReadEvent blocks for the next meaningful inbound event. Connected events,
// unrecognized kinds, and malformed frames are skipped without terminating
// the stream; only a transport-level read failure returns an error.
func (s *Stream) ReadEvent() (Event, error) {
	for {
		s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return Event{}, ErrStreamClosed
			}
			return Event{}, err
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.skip(SkipMalformed)
			continue
		}

		switch msg.Event {
		case EventStart:
			if msg.Start == nil || msg.Start.StreamSid == "" {
				s.skip(SkipMalformed)
				continue
			}
			s.mu.Lock()
			s.streamSid = msg.Start.StreamSid
			s.callSid = msg.Start.CallSid
			s.mu.Unlock()
			return Event{Kind: EventStart}, nil

		case EventMedia:
			if msg.Media == nil || msg.Media.Payload == "" {
				s.skip(SkipEmpty)
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				s.skip(SkipMalformed)
				continue
			}
			return Event{Kind: EventMedia, Audio: audio}, nil

		case EventStop:
			return Event{Kind: EventStop}, nil

		default:
			// connected and anything unrecognized
			continue
		}
	}
}

func (s *Stream) skip(reason string) {
	if s.OnSkip != nil {
		s.OnSkip(reason)
	}
}

// SendMedia wraps mulaw audio in an outbound media event addressed to the
// captured stream identifier. Before the start event has arrived the leg is
// not addressable and the frame is silently dropped.
func (s *Stream) SendMedia(mulaw []byte) error {
	sid := s.StreamSid()
	if sid == "" || len(mulaw) == 0 {
		return nil
	}

	msg := Message{
		Event:     EventMedia,
		StreamSid: sid,
		Media:     &MediaPayload{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close releases the connection. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.writeMu.Lock()
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	return s.conn.Close()
}
