// Package wire implements the MessagePack struct-map wire protocol of spec
// §6.2: the InMsg/OutMsg variant set exchanged between client and server over
// the Session Layer's WebSocket connection.
//
// Struct-map encoding is mandatory (not array encoding), so each variant is
// marshalled as an explicit map[string]any keyed by field name plus a "type"
// discriminator, rather than relying on a struct tag's array/map default —
// that keeps the wire shape visible at the call site instead of hidden
// behind library configuration.
package wire

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrUnknownVariant is returned by [DecodeInMsg] and [DecodeOutMsg] when the
// "type" field does not match any known variant (spec §6.2: "a server
// decoder rejects unknown type values as InvalidMessage", close code 4003).
var ErrUnknownVariant = errors.New("wire: unknown message variant")

// InKind identifies an InMsg variant.
type InKind string

const (
	InAudio   InKind = "Audio"
	InOggOpus InKind = "OggOpus"
	InMarker  InKind = "Marker"
	InPing    InKind = "Ping"
	// InText carries a chunk of text to synthesize on a Tts module's streaming
	// path. The client->server table (spec §6.2) is silent on how text reaches
	// /api/tts_streaming despite §4.3.1 naming submit_text as an Engine
	// operation; this variant fills that gap rather than leaving TTS
	// streaming with no wire representation.
	InText InKind = "Text"
	// InInit is server-internal only; a client that sends it has violated the
	// protocol and is closed with 4003.
	InInit InKind = "Init"
)

// InMsg is a client->server message. Only the fields relevant to Type are
// meaningful; the rest are zero value.
type InMsg struct {
	Type InKind
	PCM  []float32 // Audio: 24kHz mono, any length >= 0
	Data []byte    // OggOpus: raw Ogg pages
	ID   int64     // Marker: flush request id
	Text string    // Text: TTS input chunk
}

// OutKind identifies an OutMsg variant.
type OutKind string

const (
	OutReady   OutKind = "Ready"
	OutWord    OutKind = "Word"
	OutEndWord OutKind = "EndWord"
	OutStep    OutKind = "Step"
	OutMarker  OutKind = "Marker"
	OutAudio   OutKind = "Audio"
	OutError   OutKind = "Error"
)

// OutMsg is a server->client message. Only the fields relevant to Type are
// meaningful; the rest are zero value.
type OutMsg struct {
	Type        OutKind
	Text        string    // Word
	StartTime   float64   // Word
	StopTime    float64   // EndWord
	StepIdx     uint64    // Step
	Prs         []float32 // Step — opaque per spec §9 open question, no fixed length
	BufferedPCM int       // Step
	ID          int64     // Marker
	PCM         []float32 // Audio (TTS path)
	Message     string    // Error
}

// EncodeInMsg marshals m to MessagePack as a struct-map.
func EncodeInMsg(m InMsg) ([]byte, error) {
	fields := map[string]any{"type": string(m.Type)}
	switch m.Type {
	case InAudio:
		fields["pcm"] = m.PCM
	case InOggOpus:
		fields["data"] = m.Data
	case InMarker:
		fields["id"] = m.ID
	case InText:
		fields["text"] = m.Text
	case InPing, InInit:
		// no fields
	default:
		return nil, fmt.Errorf("wire: encode: %w: %q", ErrUnknownVariant, m.Type)
	}
	b, err := msgpack.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("wire: encode InMsg: %w", err)
	}
	return b, nil
}

// DecodeInMsg unmarshals a MessagePack struct-map into an InMsg. Returns
// [ErrUnknownVariant] (wrapped) for a "type" value outside the known set.
func DecodeInMsg(data []byte) (InMsg, error) {
	var fields map[string]any
	if err := msgpack.Unmarshal(data, &fields); err != nil {
		return InMsg{}, fmt.Errorf("wire: decode InMsg: %w", err)
	}
	typ, _ := fields["type"].(string)
	m := InMsg{Type: InKind(typ)}
	switch m.Type {
	case InAudio:
		m.PCM = toFloat32Slice(fields["pcm"])
	case InOggOpus:
		m.Data = toByteSlice(fields["data"])
	case InMarker:
		m.ID = toInt64(fields["id"])
	case InText:
		m.Text, _ = fields["text"].(string)
	case InPing, InInit:
		// no fields
	default:
		return InMsg{}, fmt.Errorf("wire: decode InMsg: %w: %q", ErrUnknownVariant, typ)
	}
	return m, nil
}

// EncodeOutMsg marshals m to MessagePack as a struct-map.
func EncodeOutMsg(m OutMsg) ([]byte, error) {
	fields := map[string]any{"type": string(m.Type)}
	switch m.Type {
	case OutReady:
		// no fields
	case OutWord:
		fields["text"] = m.Text
		fields["start_time"] = m.StartTime
	case OutEndWord:
		fields["stop_time"] = m.StopTime
	case OutStep:
		fields["step_idx"] = m.StepIdx
		fields["prs"] = m.Prs
		fields["buffered_pcm"] = m.BufferedPCM
	case OutMarker:
		fields["id"] = m.ID
	case OutAudio:
		fields["pcm"] = m.PCM
	case OutError:
		fields["message"] = m.Message
	default:
		return nil, fmt.Errorf("wire: encode: %w: %q", ErrUnknownVariant, m.Type)
	}
	b, err := msgpack.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("wire: encode OutMsg: %w", err)
	}
	return b, nil
}

// DecodeOutMsg unmarshals a MessagePack struct-map into an OutMsg. Used
// primarily by tests exercising round-trip framing (spec §8 invariant 7);
// real clients decode these, not the server.
func DecodeOutMsg(data []byte) (OutMsg, error) {
	var fields map[string]any
	if err := msgpack.Unmarshal(data, &fields); err != nil {
		return OutMsg{}, fmt.Errorf("wire: decode OutMsg: %w", err)
	}
	typ, _ := fields["type"].(string)
	m := OutMsg{Type: OutKind(typ)}
	switch m.Type {
	case OutReady:
	case OutWord:
		m.Text, _ = fields["text"].(string)
		m.StartTime = toFloat64(fields["start_time"])
	case OutEndWord:
		m.StopTime = toFloat64(fields["stop_time"])
	case OutStep:
		m.StepIdx = toUint64(fields["step_idx"])
		m.Prs = toFloat32Slice(fields["prs"])
		m.BufferedPCM = int(toInt64(fields["buffered_pcm"]))
	case OutMarker:
		m.ID = toInt64(fields["id"])
	case OutAudio:
		m.PCM = toFloat32Slice(fields["pcm"])
	case OutError:
		m.Message, _ = fields["message"].(string)
	default:
		return OutMsg{}, fmt.Errorf("wire: decode OutMsg: %w: %q", ErrUnknownVariant, typ)
	}
	return m, nil
}

// --- decode helpers -----------------------------------------------------
//
// msgpack.Unmarshal into map[string]any produces generic numeric types
// (int64, uint64, float64, or float32 depending on the encoded width); these
// helpers normalise them back to the Go types InMsg/OutMsg declare.

func toFloat32Slice(v any) []float32 {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]float32, len(raw))
	for i, e := range raw {
		out[i] = float32(toFloat64(e))
	}
	return out
}

func toByteSlice(v any) []byte {
	b, _ := v.([]byte)
	return b
}

func toFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	case int8:
		return float64(n)
	default:
		return 0
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case uint64:
		return int64(n)
	case int8:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func toUint64(v any) uint64 {
	switch n := v.(type) {
	case uint64:
		return n
	case int64:
		return uint64(n)
	case float64:
		return uint64(n)
	default:
		return 0
	}
}
