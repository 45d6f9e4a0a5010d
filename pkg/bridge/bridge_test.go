package bridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gorilla/websocket"

	"github.com/callergy/voicebridge/internal/config"
	"github.com/callergy/voicebridge/internal/metrics"
	"github.com/callergy/voicebridge/pkg/realtime"
	"github.com/callergy/voicebridge/pkg/telephony"
)

// ── fakes ──────────────────────────────────────────────────────────────────

// fakeAI stands in for the upstream realtime session. Every command the
// bridge issues lands on a channel so tests can assert on order and count.
type fakeAI struct {
	greets  chan string
	appends chan []byte
	commits chan struct{}
	cancels chan struct{}

	audio chan []byte

	mu           sync.Mutex
	errVal       error
	errorHandler func(error)

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeAI() *fakeAI {
	return &fakeAI{
		greets:  make(chan string, 4),
		appends: make(chan []byte, 256),
		commits: make(chan struct{}, 64),
		cancels: make(chan struct{}, 64),
		audio:   make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (f *fakeAI) Greet(text string) error {
	f.greets <- text
	return nil
}

func (f *fakeAI) Append(pcm []byte) error {
	f.appends <- append([]byte(nil), pcm...)
	return nil
}

func (f *fakeAI) Commit() error {
	f.commits <- struct{}{}
	return nil
}

func (f *fakeAI) Cancel() error {
	f.cancels <- struct{}{}
	return nil
}

func (f *fakeAI) Audio() <-chan []byte { return f.audio }

func (f *fakeAI) OnError(handler func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errorHandler = handler
}

// fireError simulates a non-fatal upstream error event arriving mid-call.
func (f *fakeAI) fireError(err error) {
	f.mu.Lock()
	handler := f.errorHandler
	f.mu.Unlock()
	if handler != nil {
		handler(err)
	}
}

func (f *fakeAI) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errVal
}

func (f *fakeAI) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errVal = err
}

func (f *fakeAI) Close() error {
	f.closeOnce.Do(func() {
		close(f.audio)
		close(f.closed)
	})
	return nil
}

type fakeDialer struct {
	sess *fakeAI
	err  error
}

func (d *fakeDialer) Dial(ctx context.Context, cfg realtime.Config) (AISession, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.sess, nil
}

// fakeRecorder captures call-record updates, simulating a row the webhook
// already inserted (stream identifier unknown at insert time).
type fakeRecorder struct {
	mu       sync.Mutex
	existing *telephony.CallRecord
	marked   []markCall
	finished []finishCall
}

type markCall struct {
	id        uuid.UUID
	streamSID string
}

type finishCall struct {
	id     uuid.UUID
	detail string
}

func (f *fakeRecorder) GetCallBySID(ctx context.Context, callSID string) (*telephony.CallRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existing != nil && f.existing.CallSID == callSID {
		return f.existing, nil
	}
	return nil, nil
}

func (f *fakeRecorder) CreateCall(ctx context.Context, record *telephony.CallRecord) error {
	record.ID = uuid.New()
	return nil
}

func (f *fakeRecorder) MarkInProgress(ctx context.Context, id uuid.UUID, streamSID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, markCall{id: id, streamSID: streamSID})
	return nil
}

func (f *fakeRecorder) Finish(ctx context.Context, id uuid.UUID, errorDetail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, finishCall{id: id, detail: errorDetail})
	return nil
}

type fakeCallEnder struct {
	completed chan string
}

func (f *fakeCallEnder) CompleteCall(ctx context.Context, callSID string) error {
	f.completed <- callSID
	return nil
}

// ── harness ────────────────────────────────────────────────────────────────

func testBridge(t *testing.T, dialer AIDialer, calls CallEnder) (*Bridge, *metrics.Metrics) {
	t.Helper()
	cfg := config.Default()
	cfg.Realtime.APIKey = "sk-test"
	m := metrics.New(prometheus.NewRegistry())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, logger, m, telephony.NewCallStore(nil), dialer, calls), m
}

// dialBridge serves b.HandleStream over httptest and returns a connected
// client end speaking the Media Streams protocol.
func dialBridge(t *testing.T, b *Bridge) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(b.HandleStream))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func sendStart(t *testing.T, conn *websocket.Conn, streamSid, callSid string) {
	t.Helper()
	sendJSON(t, conn, map[string]any{
		"event": "start",
		"start": map[string]any{"streamSid": streamSid, "callSid": callSid},
	})
}

func sendMedia(t *testing.T, conn *websocket.Conn, mulaw []byte) {
	t.Helper()
	sendJSON(t, conn, map[string]any{
		"event": "media",
		"media": map[string]any{"payload": base64.StdEncoding.EncodeToString(mulaw)},
	})
}

func sendStop(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	sendJSON(t, conn, map[string]any{"event": "stop"})
}

// mulawFrame is one 20ms frame at 8kHz of a non-silent code.
func mulawFrame() []byte {
	return bytes.Repeat([]byte{0x55}, 160)
}

func recvAppend(t *testing.T, ai *fakeAI) []byte {
	t.Helper()
	select {
	case pcm := <-ai.appends:
		return pcm
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for append")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ── tests ──────────────────────────────────────────────────────────────────

func TestMissingCredentialRejectsCall(t *testing.T) {
	ai := newFakeAI()
	b, m := testBridge(t, &fakeDialer{sess: ai}, nil)
	b.realtime.APIKey = ""

	conn := dialBridge(t, b)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to be closed")
	}

	select {
	case <-ai.greets:
		t.Fatal("no greeting should be requested without a credential")
	default:
	}
	waitFor(t, "failed-call counter", func() bool {
		return testutil.ToFloat64(m.CallsFailed) == 1
	})
}

func TestDialFailureClosesCall(t *testing.T) {
	dialer := &fakeDialer{err: realtime.ErrMissingAPIKey}
	b, m := testBridge(t, dialer, nil)

	conn := dialBridge(t, b)

	// The bridge must close the socket without ever starting the pumps.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to be closed")
	}

	waitFor(t, "failed-call counter", func() bool {
		return testutil.ToFloat64(m.CallsFailed) == 1
	})
	if got := b.Registry().Len(); got != 0 {
		t.Fatalf("registry should be empty, has %d", got)
	}
}

func TestGreetingRequestedOnConnect(t *testing.T) {
	ai := newFakeAI()
	b, _ := testBridge(t, &fakeDialer{sess: ai}, nil)

	dialBridge(t, b)

	select {
	case text := <-ai.greets:
		if text == "" {
			t.Fatal("greeting instructions should not be empty")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for greeting request")
	}
}

func TestInboundFrameIsUpsampledBeforeAppend(t *testing.T) {
	ai := newFakeAI()
	b, _ := testBridge(t, &fakeDialer{sess: ai}, nil)

	conn := dialBridge(t, b)
	sendStart(t, conn, "MZ1", "CA1")
	sendMedia(t, conn, mulawFrame())

	pcm := recvAppend(t, ai)
	// 160 samples at 8kHz become 480 at 24kHz, two bytes each.
	if len(pcm) != 160*3*2 {
		t.Fatalf("append length = %d, want %d", len(pcm), 160*3*2)
	}
}

func TestCommitAfterMinBufferedAudio(t *testing.T) {
	ai := newFakeAI()
	b, m := testBridge(t, &fakeDialer{sess: ai}, nil)

	conn := dialBridge(t, b)
	sendStart(t, conn, "MZ1", "CA1")

	// 120ms minimum at 20ms per frame: commit lands on every sixth frame.
	for i := 0; i < 6; i++ {
		sendMedia(t, conn, mulawFrame())
	}
	for i := 0; i < 6; i++ {
		recvAppend(t, ai)
	}

	select {
	case <-ai.commits:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for commit")
	}

	// Five more frames stay under the threshold.
	for i := 0; i < 5; i++ {
		sendMedia(t, conn, mulawFrame())
	}
	for i := 0; i < 5; i++ {
		recvAppend(t, ai)
	}
	select {
	case <-ai.commits:
		t.Fatal("commit fired before enough audio accumulated")
	case <-time.After(200 * time.Millisecond):
	}

	sendMedia(t, conn, mulawFrame())
	recvAppend(t, ai)
	select {
	case <-ai.commits:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for second commit")
	}

	waitFor(t, "commit counter", func() bool {
		return testutil.ToFloat64(m.CommitsSent) == 2
	})
}

func TestBargeInCancelsGreetingExactlyOnce(t *testing.T) {
	ai := newFakeAI()
	b, m := testBridge(t, &fakeDialer{sess: ai}, nil)

	conn := dialBridge(t, b)
	sendStart(t, conn, "MZ1", "CA1")

	for i := 0; i < 4; i++ {
		sendMedia(t, conn, mulawFrame())
	}
	for i := 0; i < 4; i++ {
		recvAppend(t, ai)
	}

	select {
	case <-ai.cancels:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for cancel")
	}
	select {
	case <-ai.cancels:
		t.Fatal("cancel fired more than once")
	case <-time.After(200 * time.Millisecond):
	}

	if got := testutil.ToFloat64(m.BargeIns); got != 1 {
		t.Fatalf("barge-in counter = %v, want 1", got)
	}
}

func TestOutboundAudioDownsampledAndDelivered(t *testing.T) {
	ai := newFakeAI()
	b, _ := testBridge(t, &fakeDialer{sess: ai}, nil)

	conn := dialBridge(t, b)
	sendStart(t, conn, "MZ1", "CA1")

	// Wait until the start event has been processed so the stream is
	// addressable before pushing synthesized audio.
	waitFor(t, "stream identifier", func() bool {
		for _, s := range b.Registry().List() {
			if s.StreamSID == "MZ1" {
				return true
			}
		}
		return false
	})

	// Two distinguishable 24kHz chunks: 30 samples downsample to 10.
	loud := make([]byte, 60)
	for i := 0; i < 60; i += 2 {
		loud[i], loud[i+1] = 0x00, 0x70 // ~28672
	}
	quiet := make([]byte, 60) // silence

	ai.audio <- loud
	ai.audio <- quiet

	first := readMedia(t, conn)
	second := readMedia(t, conn)

	if len(first.mulaw) != 10 || len(second.mulaw) != 10 {
		t.Fatalf("frame lengths = %d, %d, want 10", len(first.mulaw), len(second.mulaw))
	}
	if first.streamSid != "MZ1" {
		t.Fatalf("streamSid = %q, want MZ1", first.streamSid)
	}
	// Order must be preserved: the loud chunk lands first. Silence
	// encodes to the 0x80 code.
	if first.mulaw[0] == 0x80 {
		t.Fatal("loud frame should arrive first")
	}
	if second.mulaw[0] != 0x80 {
		t.Fatalf("second frame = %#x, want silence code 0x80", second.mulaw[0])
	}
}

type mediaFrame struct {
	streamSid string
	mulaw     []byte
}

func readMedia(t *testing.T, conn *websocket.Conn) mediaFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read media: %v", err)
	}
	var msg struct {
		Event     string `json:"event"`
		StreamSid string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal media: %v", err)
	}
	if msg.Event != "media" {
		t.Fatalf("event = %q, want media", msg.Event)
	}
	mulaw, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return mediaFrame{streamSid: msg.StreamSid, mulaw: mulaw}
}

func TestOutboundDroppedBeforeStart(t *testing.T) {
	ai := newFakeAI()
	b, m := testBridge(t, &fakeDialer{sess: ai}, nil)

	conn := dialBridge(t, b)

	// No start event yet: the stream has no identifier, so synthesized
	// audio must be dropped rather than sent.
	ai.audio <- bytes.Repeat([]byte{0x00, 0x10}, 30)

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("received media before start event")
	}

	waitFor(t, "dropped-frame counter", func() bool {
		return testutil.ToFloat64(m.FramesDropped.WithLabelValues(metrics.DropNoStream)) == 1
	})
}

func TestStopTearsDownBothLegs(t *testing.T) {
	ai := newFakeAI()
	b, m := testBridge(t, &fakeDialer{sess: ai}, nil)

	conn := dialBridge(t, b)
	sendStart(t, conn, "MZ1", "CA1")
	waitFor(t, "registered session", func() bool { return b.Registry().Len() == 1 })

	sendStop(t, conn)

	select {
	case <-ai.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("upstream session not closed after stop")
	}
	waitFor(t, "registry cleanup", func() bool { return b.Registry().Len() == 0 })
	waitFor(t, "active-call gauge", func() bool {
		return testutil.ToFloat64(m.ActiveCalls) == 0
	})
	if got := testutil.ToFloat64(m.CallsFailed); got != 0 {
		t.Fatalf("calls failed = %v, want 0", got)
	}

	// No caller audio ever arrived, so barge-in must not have fired.
	select {
	case <-ai.cancels:
		t.Fatal("cancel issued on a call with no caller frames")
	default:
	}
}

func TestUpstreamFailureHangsUpCallLeg(t *testing.T) {
	ai := newFakeAI()
	ender := &fakeCallEnder{completed: make(chan string, 1)}
	b, m := testBridge(t, &fakeDialer{sess: ai}, ender)

	conn := dialBridge(t, b)
	sendStart(t, conn, "MZ1", "CA42")

	waitFor(t, "captured call sid", func() bool {
		for _, s := range b.Registry().List() {
			if s.CallSID == "CA42" {
				return true
			}
		}
		return false
	})

	// Upstream dies mid-call: audio channel closes with a recorded error.
	ai.setErr(errors.New("connection reset"))
	ai.Close()

	select {
	case sid := <-ender.completed:
		if sid != "CA42" {
			t.Fatalf("completed call %q, want CA42", sid)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for call-leg hangup")
	}

	waitFor(t, "failed-call counter", func() bool {
		return testutil.ToFloat64(m.CallsFailed) == 1
	})
}

func TestStartBackfillsStreamSIDOnWebhookRecord(t *testing.T) {
	ai := newFakeAI()

	// The voice webhook inserts the row before the stream connects, so it
	// cannot know the stream identifier yet.
	seeded := &telephony.CallRecord{
		ID:      uuid.New(),
		CallSID: "CA9",
		State:   telephony.CallStateInitiated,
	}
	store := &fakeRecorder{existing: seeded}

	cfg := config.Default()
	cfg.Realtime.APIKey = "sk-test"
	m := metrics.New(prometheus.NewRegistry())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := New(cfg, logger, m, store, &fakeDialer{sess: ai}, nil)

	conn := dialBridge(t, b)
	sendStart(t, conn, "MZ1", "CA9")

	waitFor(t, "in-progress mark", func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.marked) == 1
	})
	store.mu.Lock()
	mark := store.marked[0]
	store.mu.Unlock()
	if mark.id != seeded.ID {
		t.Fatalf("marked record %v, want webhook row %v", mark.id, seeded.ID)
	}
	if mark.streamSID != "MZ1" {
		t.Fatalf("marked stream sid %q, want MZ1", mark.streamSID)
	}

	sendStop(t, conn)
	waitFor(t, "finished record", func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.finished) == 1
	})
	store.mu.Lock()
	fin := store.finished[0]
	store.mu.Unlock()
	if fin.id != seeded.ID {
		t.Fatalf("finished record %v, want webhook row %v", fin.id, seeded.ID)
	}
	if fin.detail != "" {
		t.Fatalf("finish detail %q, want empty for a clean call", fin.detail)
	}
}

func TestUpstreamErrorEventIsLoggedNotFatal(t *testing.T) {
	ai := newFakeAI()
	b, m := testBridge(t, &fakeDialer{sess: ai}, nil)

	conn := dialBridge(t, b)
	sendStart(t, conn, "MZ1", "CA1")
	waitFor(t, "registered session", func() bool { return b.Registry().Len() == 1 })

	ai.fireError(errors.New("buffer too small"))

	waitFor(t, "upstream-error counter", func() bool {
		return testutil.ToFloat64(m.UpstreamErrors) == 1
	})

	// The call must survive the event: caller audio still flows upstream.
	sendMedia(t, conn, mulawFrame())
	recvAppend(t, ai)

	if got := b.Registry().Len(); got != 1 {
		t.Fatalf("registry len = %d after error event, want 1", got)
	}
	if got := testutil.ToFloat64(m.CallsFailed); got != 0 {
		t.Fatalf("calls failed = %v, want 0", got)
	}
}

func TestCommitCountsConfiguredFrameInterval(t *testing.T) {
	ai := newFakeAI()
	b, _ := testBridge(t, &fakeDialer{sess: ai}, nil)

	conn := dialBridge(t, b)
	sendStart(t, conn, "MZ1", "CA1")

	// Undersized frames (10ms of payload) still advance the accumulator
	// by the transport's fixed 20ms interval, so six frames commit.
	for i := 0; i < 6; i++ {
		sendMedia(t, conn, bytes.Repeat([]byte{0x55}, 80))
	}
	for i := 0; i < 6; i++ {
		recvAppend(t, ai)
	}

	select {
	case <-ai.commits:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for commit on undersized frames")
	}
}

func TestEmptyMediaFrameDoesNotBargeIn(t *testing.T) {
	ai := newFakeAI()
	b, m := testBridge(t, &fakeDialer{sess: ai}, nil)

	conn := dialBridge(t, b)
	sendStart(t, conn, "MZ1", "CA1")

	// An empty payload is consumed by the adapter without surfacing.
	sendJSON(t, conn, map[string]any{
		"event": "media",
		"media": map[string]any{"payload": ""},
	})

	waitFor(t, "empty-frame drop", func() bool {
		return testutil.ToFloat64(m.FramesDropped.WithLabelValues(metrics.DropEmpty)) == 1
	})

	select {
	case <-ai.cancels:
		t.Fatal("empty frame must not trigger barge-in")
	case <-time.After(200 * time.Millisecond):
	}
}
