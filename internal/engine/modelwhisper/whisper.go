// Package modelwhisper adapts whisper.cpp's CGO bindings into an
// [engine.Model]. whisper.cpp is grounded in the teacher's CGO inference
// pattern (per-session RMS silence detection, a growing PCM buffer, a fresh
// whisper context per inference) but whisper.cpp has no notion of a batched,
// fixed-cadence step: it runs one utterance through one context at a time.
// This Model reconciles the two by doing all buffering/silence-detection in
// PreProcess (so Stage A can prepare the next step while Stage B still runs
// whisper.cpp on the current one) and looping over ready slots sequentially
// in Step — the Engine above it still presents uniform batched semantics to
// callers; only this concrete backend knows inference itself is serial.
package modelwhisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/kyutai-labs/moshi-serve/internal/engine"
	"github.com/kyutai-labs/moshi-serve/pkg/frame"
)

const (
	defaultLanguage            = "en"
	defaultSilenceThresholdMs  = 500
	defaultMaxBufferDurationMs = 10_000
	silenceRMSThreshold        = 0.01
	stepDurationMs             = frame.SampleCount * 1000 / frame.SampleRate
)

// Option configures a Model at construction time.
type Option func(*Model)

func WithLanguage(lang string) Option {
	return func(m *Model) { m.language = lang }
}

func WithSilenceThresholdMs(ms int) Option {
	return func(m *Model) { m.silenceThresholdMs = ms }
}

func WithMaxBufferDurationMs(ms int) Option {
	return func(m *Model) { m.maxBufferDurationMs = ms }
}

// Model is a streaming-ASR [engine.Model] backed by a single shared
// whisper.cpp model. Each inference creates its own context (whisper.cpp
// contexts are not thread-safe, the model is) the same way the teacher's
// NativeProvider does.
type Model struct {
	model    whisperlib.Model
	language string

	silenceThresholdMs  int
	maxBufferDurationMs int

	// mu guards bufs. PreProcess is the only place bufs is mutated, and the
	// Engine never calls PreProcess concurrently with itself — the mutex is
	// cheap insurance against a Model shared outside that contract (e.g. a
	// second Engine instance, or direct use in tests).
	mu   sync.Mutex
	bufs map[int]*slotAudio
}

type slotAudio struct {
	pcm       []float32
	hadSpeech bool
	silenceMs int
}

// New loads the whisper.cpp model at modelPath. The model is shared across
// every slot the owning Engine admits.
func New(modelPath string, opts ...Option) (*Model, error) {
	if modelPath == "" {
		return nil, errors.New("modelwhisper: modelPath must not be empty")
	}
	wm, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("modelwhisper: load model %q: %w", modelPath, err)
	}
	m := &Model{
		model:               wm,
		language:            defaultLanguage,
		silenceThresholdMs:  defaultSilenceThresholdMs,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
		bufs:                make(map[int]*slotAudio),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// preStep is what PreProcess hands to Step: the set of slots whose buffered
// audio has crossed a flush boundary this step, ready for inference.
type preStep struct {
	ready []readyItem
}

type readyItem struct {
	slotIndex int
	pcm       []float32
}

// PreProcess buffers each slot's incoming Frame, applies the same
// RMS-based silence detection the teacher's processLoop uses, and decides
// which slots have crossed a flush boundary: enough trailing silence, the
// max buffer duration, or an explicit marker forcing an early boundary.
func (m *Model) PreProcess(_ context.Context, inputs []engine.SlotInput) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	maxBufSamples := m.maxBufferDurationMs * frame.SampleRate / 1000

	var out preStep
	for _, in := range inputs {
		if in.Warming {
			continue
		}

		st := m.bufs[in.SlotIndex]
		if st == nil {
			st = &slotAudio{}
			m.bufs[in.SlotIndex] = st
		}

		if in.Frame != nil {
			rms := computeRMS(in.Frame.Samples[:])
			if rms < silenceRMSThreshold {
				if st.hadSpeech {
					st.silenceMs += stepDurationMs
					st.pcm = append(st.pcm, in.Frame.Samples[:]...)
				}
			} else {
				st.hadSpeech = true
				st.silenceMs = 0
				st.pcm = append(st.pcm, in.Frame.Samples[:]...)
			}
		}

		flush := st.hadSpeech && st.silenceMs >= m.silenceThresholdMs
		if maxBufSamples > 0 && len(st.pcm) >= maxBufSamples {
			flush = true
		}
		if in.Marker != nil && st.hadSpeech {
			flush = true
		}

		if flush {
			pcm := st.pcm
			m.bufs[in.SlotIndex] = &slotAudio{}
			out.ready = append(out.ready, readyItem{slotIndex: in.SlotIndex, pcm: pcm})
		}
	}
	return out, nil
}

// Step runs whisper.cpp inference for every slot PreProcess marked ready.
// whisper.cpp offers no batched API, so this loops sequentially — the cost
// that loop imposes on step latency is exactly why PreProcess front-loads
// everything it can into Stage A.
func (m *Model) Step(_ context.Context, pre any) ([]engine.SlotOutput, error) {
	p, _ := pre.(preStep)
	outs := make([]engine.SlotOutput, 0, len(p.ready))
	for _, item := range p.ready {
		if len(item.pcm) == 0 {
			outs = append(outs, engine.SlotOutput{SlotIndex: item.slotIndex})
			continue
		}
		text, startOffset, err := m.infer(item.pcm)
		if err != nil {
			return nil, fmt.Errorf("modelwhisper: slot %d: %w", item.slotIndex, err)
		}
		var evs []engine.Event
		if text != "" {
			durationS := float64(len(item.pcm)) / float64(frame.SampleRate)
			evs = append(evs,
				engine.Event{Kind: engine.EventWord, Word: text, StartS: startOffset.Seconds(), StopS: durationS},
				engine.Event{Kind: engine.EventEndWord, StopS: durationS},
			)
		}
		outs = append(outs, engine.SlotOutput{SlotIndex: item.slotIndex, Events: evs})
	}
	return outs, nil
}

// infer runs one whisper.cpp pass over pcm using a fresh context, the same
// per-call-context pattern the teacher's nativeSession.infer uses. The
// returned duration is the first non-empty segment's start offset into pcm,
// for a real per-word StartS rather than always reporting 0.
func (m *Model) infer(pcm []float32) (string, time.Duration, error) {
	wctx, err := m.model.NewContext()
	if err != nil {
		return "", 0, fmt.Errorf("create context: %w", err)
	}
	if err := wctx.SetLanguage(m.language); err != nil {
		return "", 0, fmt.Errorf("set language %q: %w", m.language, err)
	}
	if err := wctx.Process(pcm, nil, nil, nil); err != nil {
		return "", 0, fmt.Errorf("process audio: %w", err)
	}

	var parts []string
	var startOffset time.Duration
	haveStart := false
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", 0, fmt.Errorf("read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
			if !haveStart {
				startOffset = segment.Start
				haveStart = true
			}
		}
	}
	return strings.Join(parts, " "), startOffset, nil
}

// Warmup runs batchSize synthetic slots of silence through the same
// PreProcess/Step calls real traffic uses. Every warmup input is marked
// Warming, which PreProcess skips, so no audio is buffered, no whisper.cpp
// context is created and no inference runs: Warmup exercises only the
// PreProcess/Step call path, not whisper.cpp's allocations.
func (m *Model) Warmup(ctx context.Context, batchSize int) error {
	if batchSize < 1 {
		batchSize = 1
	}
	inputs := make([]engine.SlotInput, batchSize)
	silence := frame.Silence()
	for i := range inputs {
		inputs[i] = engine.SlotInput{SlotIndex: i, Frame: &silence, Warming: true}
	}
	pre, err := m.PreProcess(ctx, inputs)
	if err != nil {
		return err
	}
	_, err = m.Step(ctx, pre)
	return err
}

func (m *Model) Close() error {
	if m.model != nil {
		return m.model.Close()
	}
	return nil
}

func computeRMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
