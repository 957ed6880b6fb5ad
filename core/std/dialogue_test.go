package std

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/lumina-ai/lumina-core/core/llms"
	"github.com/lumina-ai/lumina-core/internal/config"
)

type stubLLM struct {
	response string
	err      error
	prompts  []string
}

func (s *stubLLM) Prompt(_ context.Context, _ string, messages []llms.Message) (string, error) {
	for _, m := range messages {
		if m.Role == llms.MessageRoleUser {
			s.prompts = append(s.prompts, m.Content)
		}
	}
	return s.response, s.err
}

func (s *stubLLM) PromptWithStream(context.Context, string, []llms.Message) (llms.Stream, error) {
	return nil, errors.New("not streamed in tests")
}

func newTestDialogue(llm llms.Client) (*DialogueSTD, *JudgeHistory) {
	judges := newTestJudges()
	return NewDialogueSTD(llm, "test-model", judges, config.DefaultTunables(), nil), judges
}

func TestPredictTimeoutParsesFirstInteger(t *testing.T) {
	dialogue, judges := newTestDialogue(&stubLLM{response: "I would wait 220 ms here."})

	got := dialogue.PredictTimeout(context.Background(), "那明天呢")
	if got != 220 {
		t.Fatalf("expected 220, got %d", got)
	}
	records := judges.Records()
	if len(records) != 1 || records[0].PredictedMS != 220 {
		t.Fatalf("expected recorded judgement of 220, got %+v", records)
	}
}

func TestPredictTimeoutDefaultsOnGarbage(t *testing.T) {
	dialogue, _ := newTestDialogue(&stubLLM{response: "no idea"})
	if got := dialogue.PredictTimeout(context.Background(), "呃"); got != 150 {
		t.Fatalf("expected mid wait default 150, got %d", got)
	}
}

func TestPredictTimeoutDefaultsOnError(t *testing.T) {
	dialogue, judges := newTestDialogue(&stubLLM{err: errors.New("vendor down")})
	if got := dialogue.PredictTimeout(context.Background(), "你好"); got != 150 {
		t.Fatalf("expected mid wait default 150, got %d", got)
	}
	if len(judges.Records()) != 1 {
		t.Fatal("expected the fallback prediction to still be recorded")
	}
}

func TestPredictTimeoutClamps(t *testing.T) {
	dialogue, _ := newTestDialogue(&stubLLM{response: "5000"})
	if got := dialogue.PredictTimeout(context.Background(), "嗯"); got != 800 {
		t.Fatalf("expected clamp to 800, got %d", got)
	}

	dialogue, _ = newTestDialogue(&stubLLM{response: "3"})
	if got := dialogue.PredictTimeout(context.Background(), "好"); got != 50 {
		t.Fatalf("expected clamp to 50, got %d", got)
	}
}

func TestPromptIncludesHistoryAndFeedback(t *testing.T) {
	llm := &stubLLM{response: "150"}
	dialogue, judges := newTestDialogue(llm)

	judges.Record("上一句", 700)
	judges.ObserveGap(100)

	dialogue.PredictTimeout(context.Background(), "新的一句")
	if len(llm.prompts) != 1 {
		t.Fatalf("expected 1 prompt, got %d", len(llm.prompts))
	}
	prompt := llm.prompts[0]
	if !strings.Contains(prompt, "上一句") {
		t.Fatalf("expected judgement history in prompt, got %q", prompt)
	}
	if !strings.Contains(prompt, "too aggressive") {
		t.Fatalf("expected graded feedback in prompt, got %q", prompt)
	}
	if !strings.Contains(prompt, "新的一句") {
		t.Fatalf("expected latest transcript in prompt, got %q", prompt)
	}
}
