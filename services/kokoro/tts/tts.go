package kokoro

import (
	"context"
	"errors"
	"fmt"
	"time"

	"companionkit/core"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

// Config holds configuration for the Kokoro TTS service. Voice and speed are
// fixed per process; the split pattern tells the server how to segment
// multi-paragraph text.
type Config struct {
	BaseURL      string  `json:"base_url"`
	Voice        string  `json:"voice"`
	Speed        float64 `json:"speed"`
	SplitPattern string  `json:"split_pattern"`
	SampleRate   int     `json:"sample_rate"`
}

// DefaultConfig returns a Config matching a local Kokoro streaming server
// with the warm default voice.
func DefaultConfig() Config {
	return Config{
		BaseURL:      "ws://127.0.0.1:8880/v1/audio/stream",
		Voice:        "af_heart",
		Speed:        0.7,
		SplitPattern: `\n+`,
		SampleRate:   24000,
	}
}

// Client messages
type (
	synthesisRequest struct {
		Text         string  `json:"text"`
		Voice        string  `json:"voice"`
		Speed        float64 `json:"speed"`
		SplitPattern string  `json:"split_pattern"`
		Format       string  `json:"response_format"`
		SampleRate   int     `json:"sample_rate"`
	}
)

// Server messages
type (
	// Per-segment metadata preceding the segment's binary waveform frame.
	segmentMessage struct {
		Graphemes string `json:"graphemes"`
		Phonemes  string `json:"phonemes"`
		Final     bool   `json:"final"`
	}

	errorMessage struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
)

// KokoroTTS synthesizes speech over a WebSocket connection to a Kokoro
// streaming server. Each Synthesize call is a fresh connection; the server
// streams (metadata, waveform) pairs per split segment and this client
// consumes only the first segment's waveform.
type KokoroTTS struct {
	config Config
	logger *core.Logger
}

// NewKokoroTTS creates a new Kokoro TTS service with the provided config.
func NewKokoroTTS(config Config, logger *core.Logger) *KokoroTTS {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Voice == "" {
		config.Voice = DefaultConfig().Voice
	}
	if config.Speed == 0 {
		config.Speed = DefaultConfig().Speed
	}
	if config.SplitPattern == "" {
		config.SplitPattern = DefaultConfig().SplitPattern
	}
	if config.SampleRate == 0 {
		config.SampleRate = DefaultConfig().SampleRate
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &KokoroTTS{config: config, logger: logger.With(map[string]any{"component": "kokoro"})}
}

// Synthesize sends text to the server and returns the first segment's PCM
// waveform. Text is expected to be normalized already.
func (k *KokoroTTS) Synthesize(ctx context.Context, text string) (core.AudioChunk, error) {
	if text == "" {
		return core.AudioChunk{}, errors.New("text cannot be empty")
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.DialContext(ctx, k.config.BaseURL, nil)
	if err != nil {
		return core.AudioChunk{}, fmt.Errorf("failed to connect to synthesis server: %w", err)
	}
	defer func() {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	req := synthesisRequest{
		Text:         text,
		Voice:        k.config.Voice,
		Speed:        k.config.Speed,
		SplitPattern: k.config.SplitPattern,
		Format:       "pcm",
		SampleRate:   k.config.SampleRate,
	}
	payload, err := sonic.Marshal(req)
	if err != nil {
		return core.AudioChunk{}, fmt.Errorf("failed to marshal synthesis request: %w", err)
	}

	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return core.AudioChunk{}, fmt.Errorf("failed to send synthesis request: %w", err)
	}

	deadline := time.Now().Add(60 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var sawSegment bool
	var waveform []byte
	for waveform == nil {
		conn.SetReadDeadline(deadline)
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return core.AudioChunk{}, fmt.Errorf("failed to read synthesis response: %w", err)
		}

		switch messageType {
		case websocket.TextMessage:
			var errMsg errorMessage
			if sonic.Unmarshal(message, &errMsg) == nil && errMsg.Error != "" {
				return core.AudioChunk{}, fmt.Errorf("synthesis server error: %s %s", errMsg.Error, errMsg.Message)
			}
			var seg segmentMessage
			if err := sonic.Unmarshal(message, &seg); err != nil {
				k.logger.With(map[string]any{"error": err.Error()}).Warn("unparseable message from synthesis server")
				continue
			}
			if seg.Final && !sawSegment {
				return core.AudioChunk{}, errors.New("synthesis server produced no segments")
			}
			sawSegment = true
		case websocket.BinaryMessage:
			// First waveform frame is the first segment; later segments are
			// not consumed.
			waveform = make([]byte, len(message))
			copy(waveform, message)
		}
	}

	return core.AudioChunk{
		Data:       waveform,
		SampleRate: k.config.SampleRate,
		Channels:   1,
		Format:     core.PCM,
	}, nil
}
