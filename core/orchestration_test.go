package orchestration

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lumina-ai/lumina-core/core/llms"
	"github.com/lumina-ai/lumina-core/core/speechtotext"
	"github.com/lumina-ai/lumina-core/internal/config"
)

// classifierLLM answers every model the orchestrator consults, with an
// optional latency on the plain prompts to stretch the classification
// window.
type classifierLLM struct {
	delay  time.Duration
	chunks []string
}

func (c *classifierLLM) Prompt(ctx context.Context, model string, messages []llms.Message) (string, error) {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	switch model {
	case "timeout":
		return "60", nil
	case "prereply":
		return "[NEUTRAL]\n好的", nil
	}
	return "", nil
}

func (c *classifierLLM) PromptWithStream(ctx context.Context, model string, messages []llms.Message) (llms.Stream, error) {
	return &fakeStream{chunks: c.chunks}, nil
}

func (c *classifierLLM) PromptJSON(ctx context.Context, model string, messages []llms.Message, out any) error {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	payload, err := json.Marshal(map[string]string{"event": "NO_EVENT"})
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, out)
}

func newOrchestratorHarness(t *testing.T, llm LLM, factory speechtotext.Factory) (*Orchestrator, *fakeTTS, *fakeSink) {
	t.Helper()
	cfg := &config.Config{
		LLM:      config.LLMConfig{MainModel: "main", TimeoutModel: "timeout", PreReplyModel: "prereply", EventModel: "event"},
		TTS:      config.TTSConfig{DefaultVoice: "longxiaochun"},
		Tunables: config.DefaultTunables(),
	}
	tts := &fakeTTS{}
	sink := &fakeSink{}
	o := NewOrchestrator(cfg, llm, factory, tts)
	o.pipeline = newReplyPipeline(llm, cfg.LLM.MainModel, o.systemPrompt, tts, sink, o.buffer, o.history, o.directives, o.detector, cfg.Tunables, o.log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go o.pipeline.DispatchLoop(ctx)
	return o, tts, sink
}

func TestBargeInDuringClassificationSuppressesReply(t *testing.T) {
	llm := &classifierLLM{delay: 120 * time.Millisecond, chunks: []string{"这是回答。"}}
	o, tts, sink := newOrchestratorHarness(t, llm, nil)

	done := make(chan struct{})
	go func() {
		o.processTurn(context.Background(), "问题A")
		close(done)
	}()

	// The user resumes speaking while the classifiers are still running.
	time.Sleep(40 * time.Millisecond)
	o.buffer.AddPartial()
	<-done

	// Leave room for the decided timeout to elapse before asserting the
	// floor was never taken.
	time.Sleep(150 * time.Millisecond)
	if calls := tts.Calls(); len(calls) != 0 {
		t.Fatalf("expected no synthesis after the barge-in, got %+v", calls)
	}
	if sink.Count() != 0 {
		t.Fatalf("expected no audio, got %d clips", sink.Count())
	}
	if o.buffer.Len() != 1 {
		t.Fatalf("expected the turn to stay buffered, got %d", o.buffer.Len())
	}
	if o.history.Len() != 0 {
		t.Fatalf("expected nothing recorded, got %d entries", o.history.Len())
	}
}

func TestReplyFollowsClassificationWhenUserStaysQuiet(t *testing.T) {
	llm := &classifierLLM{delay: 20 * time.Millisecond, chunks: []string{"这是回答。"}}
	o, tts, sink := newOrchestratorHarness(t, llm, nil)

	o.processTurn(context.Background(), "问题A")
	waitFor(t, "reply in history", func() bool { return o.history.Len() == 2 })

	calls := tts.Calls()
	if len(calls) != 2 || calls[0].text != "好的" || calls[1].text != "这是回答。" {
		t.Fatalf("expected the pre-reply then the answer, got %+v", calls)
	}
	if sink.Count() != 2 {
		t.Fatalf("expected two clips, got %d", sink.Count())
	}
	if o.buffer.Len() != 0 {
		t.Fatalf("expected the turn drained, got %d", o.buffer.Len())
	}
}

type fakeSTT struct {
	mu      sync.Mutex
	healthy bool
	frames  int
	closed  bool
}

func (f *fakeSTT) SendAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames++
	return nil
}

func (f *fakeSTT) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy && !f.closed
}

func (f *fakeSTT) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSTT) Frames() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames
}

func (f *fakeSTT) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestUnhealthyTranscriptionGetsReplaced(t *testing.T) {
	fresh := &fakeSTT{healthy: true}
	var opened atomic.Int32
	factory := func(ctx context.Context, callbacks speechtotext.Callbacks) (speechtotext.Client, error) {
		opened.Add(1)
		return fresh, nil
	}
	o, _, _ := newOrchestratorHarness(t, &classifierLLM{}, factory)

	sick := &fakeSTT{healthy: false}
	o.setSTT(sick)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.forwardAudio(ctx)

	o.audioCh <- []byte{0, 0}
	waitFor(t, "frame on the fresh session", func() bool { return fresh.Frames() == 1 })

	if opened.Load() != 1 {
		t.Fatalf("expected one replacement session, got %d", opened.Load())
	}
	if !sick.Closed() {
		t.Fatal("expected the unhealthy session closed")
	}
	if got, ok := o.currentSTT().(*fakeSTT); !ok || got != fresh {
		t.Fatalf("expected the fresh session installed, got %T", o.currentSTT())
	}
}
