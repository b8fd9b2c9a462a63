package app

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kyutai-labs/moshi-serve/internal/engine"
)

// ttsRequestTimeout bounds the whole synchronous /api/tts round trip: Admit,
// submit, collect audio until the completion marker fires, Release.
const ttsRequestTimeout = 30 * time.Second

// ttsRequest is the JSON body spec.md §6.1 defines for POST /api/tts.
type ttsRequest struct {
	Text        string  `json:"text"`
	Seed        int64   `json:"seed"`
	Temperature float64 `json:"temperature"`
	TopK        int     `json:"top_k"`
}

// ttsResponse wraps the synthesized audio as a base64 WAV, per spec.md §6.1.
type ttsResponse struct {
	Wav string `json:"wav"`
}

// handleTTS is the synchronous, non-streaming counterpart to the WebSocket
// Tts session (spec.md §6.1): one HTTP request synthesizes one utterance and
// returns its audio in full, rather than streaming it frame-by-frame.
//
// Seed/Temperature/TopK are accepted for wire compatibility but have no hook
// in engine.Model today — no per-request sampling knob exists on the Model
// interface (spec.md's Non-goals keep model internals opaque), so they are
// parsed and otherwise ignored.
func (a *App) handleTTS(w http.ResponseWriter, r *http.Request) {
	var req ttsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, `{"error":"text must not be empty"}`, http.StatusBadRequest)
		return
	}

	m := a.ttsModule()
	if m == nil {
		http.Error(w, `{"error":"no tts module configured"}`, http.StatusNotImplemented)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), ttsRequestTimeout)
	defer cancel()

	pcm, err := synthesize(ctx, m.eng, req.Text)
	if err != nil {
		a.metrics.RecordAdmissionFailure(r.Context(), m.cfg.Name, "tts_http")
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusServiceUnavailable)
		return
	}

	wav, err := encodeWAV(pcm)
	if err != nil {
		http.Error(w, `{"error":"failed to encode audio"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(ttsResponse{Wav: base64.StdEncoding.EncodeToString(wav)}); err != nil {
		http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

// ttsModule returns the first configured Tts-kind module, or nil if none is
// configured.
func (a *App) ttsModule() *moduleRuntime {
	for _, m := range a.modules {
		if engine.ModuleKind(m.cfg.Type) == engine.KindTts {
			return m
		}
	}
	return nil
}

// synthesize admits a slot directly on eng (bypassing the WebSocket session
// layer, since this is one synchronous request/response rather than a
// streaming connection), submits text, and collects every EventAudio's PCM
// until the completion marker it submitted fires.
func synthesize(ctx context.Context, eng *engine.Engine, text string) ([]float32, error) {
	egress := make(chan engine.Event, 64)
	sessionID := "http-tts-" + fmt.Sprintf("%p", egress)

	slot, err := eng.Admit(sessionID, egress)
	if err != nil {
		return nil, fmt.Errorf("admit: %w", err)
	}
	released := false
	release := func() {
		if !released {
			released = true
			_ = eng.Release(slot)
		}
	}
	defer release()

	if err := eng.SubmitText(slot, strings.Fields(text)); err != nil {
		return nil, fmt.Errorf("submit text: %w", err)
	}
	const doneMarker int64 = 1
	if err := eng.SubmitMarker(slot, doneMarker); err != nil {
		return nil, fmt.Errorf("submit marker: %w", err)
	}

	var pcm []float32
	for {
		select {
		case ev := <-egress:
			switch ev.Kind {
			case engine.EventAudio:
				pcm = append(pcm, ev.PCM...)
			case engine.EventMarker:
				if ev.MarkerID == doneMarker {
					return pcm, nil
				}
			case engine.EventError:
				return nil, errors.New(ev.Message)
			}
		case <-ctx.Done():
			return nil, fmt.Errorf("synthesis timed out: %w", ctx.Err())
		}
	}
}
