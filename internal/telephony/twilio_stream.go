package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"contact-center/internal/audio"

	"github.com/gorilla/websocket"
)

// MediaSink receives normalized media from a streaming connection.
type MediaSink interface {
	OnAudio(ctx context.Context, vendor, callID string, c audio.Chunk)
	OnAudioError(ctx context.Context, vendor, callID string, err error)
	OnEvent(ctx context.Context, ev Event)
	OnStreamClosed(ctx context.Context, vendor, callID string)
}

// streamMessage is the Media Streams JSON envelope.
type streamMessage struct {
	Event     string          `json:"event"`
	StreamSID string          `json:"streamSid,omitempty"`
	Start     *streamStart    `json:"start,omitempty"`
	Media     *streamMedia    `json:"media,omitempty"`
	DTMF      *streamDTMF     `json:"dtmf,omitempty"`
	Mark      json.RawMessage `json:"mark,omitempty"`
}

type streamStart struct {
	StreamSID   string `json:"streamSid"`
	CallSID     string `json:"callSid"`
	MediaFormat struct {
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sampleRate"`
	} `json:"mediaFormat"`
}

type streamMedia struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

type streamDTMF struct {
	Digit string `json:"digit"`
}

// MediaStreamHandler terminates Twilio Media Streams websockets. Inbound
// frames are converted per call and handed to the sink; outbound audio goes
// through MediaStream.Send.
type MediaStreamHandler struct {
	adapter  *TwilioAdapter
	sink     MediaSink
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	streams map[string]*MediaStream
}

func NewMediaStreamHandler(adapter *TwilioAdapter, sink MediaSink, log *slog.Logger) *MediaStreamHandler {
	if log == nil {
		log = slog.Default()
	}
	return &MediaStreamHandler{
		adapter: adapter,
		sink:    sink,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		streams: make(map[string]*MediaStream),
	}
}

// Stream returns the live stream bound to callID.
func (h *MediaStreamHandler) Stream(callID string) (*MediaStream, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.streams[callID]
	return s, ok
}

// ServeHTTP upgrades the request and blocks reading frames until the stream stops.
func (h *MediaStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("media stream upgrade failed", "err", err)
		return
	}
	h.Serve(r.Context(), conn)
}

// Serve runs the read loop on an established connection.
func (h *MediaStreamHandler) Serve(ctx context.Context, conn *websocket.Conn) {
	s := &MediaStream{conn: conn, adapter: h.adapter}
	defer func() {
		_ = conn.Close()
		if s.callID == "" {
			return
		}
		h.mu.Lock()
		delete(h.streams, s.callID)
		h.mu.Unlock()
		h.sink.OnStreamClosed(ctx, VendorTwilio, s.callID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Warn("media stream read failed", "call_id", s.callID, "err", err)
			}
			return
		}
		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Debug("media stream frame ignored", "err", err)
			continue
		}

		switch msg.Event {
		case "start":
			if msg.Start == nil || msg.Start.CallSID == "" {
				continue
			}
			s.callID = msg.Start.CallSID
			s.streamSID = msg.Start.StreamSID
			h.mu.Lock()
			h.streams[s.callID] = s
			h.mu.Unlock()
		case "media":
			if s.callID == "" || msg.Media == nil {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				h.sink.OnAudioError(ctx, VendorTwilio, s.callID, fmt.Errorf("%w: base64 payload: %v", audio.ErrConversion, err))
				continue
			}
			chunk, err := h.adapter.ConvertAudioFromWire(s.callID, audio.Chunk{
				Data:       raw,
				Codec:      audio.CodecMulaw,
				SampleRate: audio.TelephonyRate,
			})
			if err != nil {
				h.sink.OnAudioError(ctx, VendorTwilio, s.callID, err)
				continue
			}
			h.sink.OnAudio(ctx, VendorTwilio, s.callID, chunk)
		case "dtmf":
			if s.callID == "" || msg.DTMF == nil {
				continue
			}
			h.sink.OnEvent(ctx, Event{
				Vendor:     VendorTwilio,
				Type:       EventDTMF,
				CallID:     s.callID,
				Digits:     msg.DTMF.Digit,
				OccurredAt: time.Now().UTC(),
			})
		case "stop":
			return
		}
	}
}

// MediaStream is one live websocket bound to a call.
type MediaStream struct {
	conn      *websocket.Conn
	adapter   *TwilioAdapter
	callID    string
	streamSID string

	writeMu sync.Mutex
}

func (s *MediaStream) CallID() string { return s.callID }

// Send converts internal PCM to the wire codec and writes one media frame.
func (s *MediaStream) Send(c audio.Chunk) error {
	wire, err := s.adapter.ConvertAudioToWire(s.callID, c)
	if err != nil {
		return err
	}
	msg := streamMessage{
		Event:     "media",
		StreamSID: s.streamSID,
		Media:     &streamMedia{Payload: base64.StdEncoding.EncodeToString(wire.Data)},
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

// Clear drops audio queued on the vendor side, used for barge-in.
func (s *MediaStream) Clear() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(streamMessage{Event: "clear", StreamSID: s.streamSID})
}
