package telephony

import (
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// ============================================
// WEBHOOK / TWIML HANDLERS
// ============================================

// TwiMLResponse instructs the provider to connect the call audio to our
// media stream endpoint
type TwiMLResponse struct {
	XMLName xml.Name `xml:"Response"`
	Connect *Connect `xml:"Connect"`
}

// Connect is the TwiML <Connect> verb
type Connect struct {
	XMLName xml.Name     `xml:"Connect"`
	Stream  StreamTarget `xml:"Stream"`
}

// StreamTarget is the TwiML <Stream> noun pointing at our WebSocket
type StreamTarget struct {
	XMLName xml.Name `xml:"Stream"`
	URL     string   `xml:"url,attr"`
	Track   string   `xml:"track,attr"`
}

// WebhookHandlers serves the call webhook and health endpoints
type WebhookHandlers struct {
	publicURL string
	store     *CallStore
	logger    *slog.Logger
}

// NewWebhookHandlers creates the webhook handler set. publicURL may be empty,
// in which case the request Host header is used to build the stream URL.
func NewWebhookHandlers(publicURL string, store *CallStore, logger *slog.Logger) *WebhookHandlers {
	return &WebhookHandlers{
		publicURL: strings.TrimRight(publicURL, "/"),
		store:     store,
		logger:    logger,
	}
}

// HandleIncomingCall answers the provider's voice webhook with TwiML that
// connects the call to the media stream WebSocket. Served for both POST
// (provider webhooks) and GET (browser checks).
func (h *WebhookHandlers) HandleIncomingCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	callSID := r.FormValue("CallSid")
	from := r.FormValue("From")
	to := r.FormValue("To")

	h.logger.Info("incoming call webhook",
		"call_sid", callSID, "from", from, "to", to)

	if callSID != "" && h.store != nil {
		record := &CallRecord{ID: uuid.New(), CallSID: callSID}
		if err := h.store.CreateCall(r.Context(), record); err != nil {
			h.logger.Warn("failed to persist call record",
				"call_sid", callSID, "error", err)
		}
	}

	wsURL := fmt.Sprintf("%s/media-stream", h.streamBase(r))

	twiml := &TwiMLResponse{
		Connect: &Connect{
			Stream: StreamTarget{
				URL:   wsURL,
				Track: "both_tracks",
			},
		},
	}

	output, err := xml.Marshal(twiml)
	if err != nil {
		h.logger.Error("failed to marshal TwiML", "error", err)
		http.Error(w, "Failed to generate TwiML", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(xml.Header))
	w.Write(output)
}

// streamBase returns the wss base URL for the media stream, preferring the
// configured public URL and falling back to the request Host header.
func (h *WebhookHandlers) streamBase(r *http.Request) string {
	if h.publicURL != "" {
		base := h.publicURL
		base = strings.Replace(base, "https://", "wss://", 1)
		base = strings.Replace(base, "http://", "ws://", 1)
		return base
	}
	return "wss://" + r.Host
}

// HandleHealthz reports liveness
func (h *WebhookHandlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// RegisterRoutes registers webhook routes. streamHandler serves the media
// stream WebSocket upgrade.
func (h *WebhookHandlers) RegisterRoutes(mux *http.ServeMux, streamHandler http.HandlerFunc) {
	mux.HandleFunc("/voice", h.HandleIncomingCall)
	mux.HandleFunc("/media-stream", streamHandler)
	mux.HandleFunc("/healthz", h.HandleHealthz)
}
