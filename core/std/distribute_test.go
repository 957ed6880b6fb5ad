package std

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/lumina-ai/lumina-core/core/llms"
	"github.com/lumina-ai/lumina-core/internal/config"
)

type stubStructured struct {
	event   string
	err     error
	prompts []string
}

func (s *stubStructured) PromptJSON(_ context.Context, _ string, messages []llms.Message, out any) error {
	for _, m := range messages {
		if m.Role == llms.MessageRoleUser {
			s.prompts = append(s.prompts, m.Content)
		}
	}
	if s.err != nil {
		return s.err
	}
	return json.Unmarshal([]byte(`{"event": "`+s.event+`"}`), out)
}

func newTestDetector(timeoutResponse, event string) (*Detector, *stubStructured) {
	machine := NewMachine(nil)
	judges := newTestJudges()
	dialogue := NewDialogueSTD(&stubLLM{response: timeoutResponse}, "m", judges, config.DefaultTunables(), nil)
	structured := &stubStructured{event: event}
	agent := NewAgent(structured, "m", machine, nil)
	return NewDetector(dialogue, agent, machine, config.DefaultTunables(), nil), structured
}

func TestDistributeDialogueUsesPredictedTimeout(t *testing.T) {
	detector, _ := newTestDetector("200", "TRIGGER_DIALOGUE")

	decision := detector.Distribute(context.Background(), "今天天气怎么样")
	if decision.State != StateDialogue {
		t.Fatalf("expected Dialogue, got %s", decision.State)
	}
	if decision.TimeoutMS != 200 {
		t.Fatalf("expected timeout 200, got %d", decision.TimeoutMS)
	}
	if decision.Suppress {
		t.Fatal("dialogue must not suppress")
	}
}

func TestDistributeSilenceSuppresses(t *testing.T) {
	detector, _ := newTestDetector("200", "TRIGGER_SILENCE")

	decision := detector.Distribute(context.Background(), "你先别说话")
	if decision.State != StateSilence || !decision.Suppress {
		t.Fatalf("expected suppressed Silence, got %+v", decision)
	}
}

func TestDistributeAnswerOnceZeroTimeout(t *testing.T) {
	detector, _ := newTestDetector("200", "TRIGGER_SILENCE")
	detector.Distribute(context.Background(), "安静一会")

	detector, _ = newTestDetector("200", "TRIGGER_ANSWER_ONCE")
	detector.Machine().Reset(StateSilence)
	decision := detector.Distribute(context.Background(), "你怎么看")
	if decision.State != StateAnswerOnce {
		t.Fatalf("expected AnswerOnce, got %s", decision.State)
	}
	if decision.TimeoutMS != 0 {
		t.Fatalf("expected zero timeout, got %d", decision.TimeoutMS)
	}

	detector.CompleteResponse()
	if got := detector.Machine().State(); got != StateSilence {
		t.Fatalf("expected return to Silence after completion, got %s", got)
	}
}

func TestDistributeSettlesLingeringAnswerOnce(t *testing.T) {
	detector, _ := newTestDetector("200", "TRIGGER_DIALOGUE")
	detector.Machine().Reset(StateAnswerOnce)

	decision := detector.Distribute(context.Background(), "继续聊吧")
	if decision.State != StateDialogue {
		t.Fatalf("expected lingering AnswerOnce to settle before classification, got %s", decision.State)
	}
}

func TestDistributeClassifierFailureKeepsState(t *testing.T) {
	machine := NewMachine(nil)
	judges := newTestJudges()
	dialogue := NewDialogueSTD(&stubLLM{response: "300"}, "m", judges, config.DefaultTunables(), nil)
	structured := &stubStructured{err: context.DeadlineExceeded}
	agent := NewAgent(structured, "m", machine, nil)
	detector := NewDetector(dialogue, agent, machine, config.DefaultTunables(), nil)

	decision := detector.Distribute(context.Background(), "喂")
	if decision.State != StateDialogue {
		t.Fatalf("expected state kept on classifier failure, got %s", decision.State)
	}
	if decision.TimeoutMS != 300 {
		t.Fatalf("expected predicted timeout despite classifier failure, got %d", decision.TimeoutMS)
	}
	if len(machine.Feedback()) == 0 {
		t.Fatal("expected a feedback note about the failed classification")
	}
}

func TestAgentPromptCarriesStateAnnotations(t *testing.T) {
	detector, structured := newTestDetector("150", "TRIGGER_DIALOGUE")

	detector.Distribute(context.Background(), "第一句")
	detector.Distribute(context.Background(), "第二句")

	last := structured.prompts[len(structured.prompts)-1]
	if !strings.Contains(last, "【System state】: Dialogue") {
		t.Fatalf("expected state annotation in prompt, got %q", last)
	}
	if !strings.Contains(last, "【Triggered event】: TRIGGER_DIALOGUE") {
		t.Fatalf("expected event annotation in prompt, got %q", last)
	}
	if !strings.Contains(last, "第一句") {
		t.Fatalf("expected prior turn in prompt, got %q", last)
	}
}

func TestAgentInvalidTransitionFeedbackReachesNextPrompt(t *testing.T) {
	detector, structured := newTestDetector("150", "TRIGGER_ANSWER_ONCE")

	// TRIGGER_ANSWER_ONCE is invalid from Dialogue.
	decision := detector.Distribute(context.Background(), "你怎么看")
	if decision.Applied {
		t.Fatal("expected the transition to be rejected")
	}

	detector.Distribute(context.Background(), "还在吗")
	last := structured.prompts[len(structured.prompts)-1]
	if !strings.Contains(last, "not valid in state") {
		t.Fatalf("expected rejection feedback in next prompt, got %q", last)
	}
}
