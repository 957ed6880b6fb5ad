package std

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/lumina-ai/lumina-core/core/llms"
	"github.com/lumina-ai/lumina-core/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("github.com/lumina-ai/lumina-core/core/std")

const dialogueSystemPrompt = `You judge whether a user talking to a voice assistant has finished their turn.
Given the latest transcript and the history of previous judgements, answer with a single integer: the number of milliseconds the assistant should wait before speaking.
Use the full range 0 to 800. Short confident waits (50-100) when the utterance is clearly complete, long cautious waits (500-800) when the user is likely to continue.
Respond with the integer only.`

var firstInteger = regexp.MustCompile(`-?\d+`)

// DialogueSTD predicts how long to wait after a finalised transcript
// before the assistant may speak.
type DialogueSTD struct {
	llm      llms.Client
	model    string
	judges   *JudgeHistory
	tunables config.Tunables
	log      *slog.Logger
}

func NewDialogueSTD(llm llms.Client, model string, judges *JudgeHistory, tunables config.Tunables, log *slog.Logger) *DialogueSTD {
	if log == nil {
		log = slog.Default()
	}
	return &DialogueSTD{llm: llm, model: model, judges: judges, tunables: tunables, log: log}
}

// PredictTimeout returns the recommended wait in milliseconds. It never
// fails: parse and transport errors fall back to the mid wait and are fed
// into the judge history as a normal prediction.
func (d *DialogueSTD) PredictTimeout(ctx context.Context, transcript string) int {
	ctx, span := tracer.Start(ctx, "predict dialogue timeout")
	defer span.End()

	prompt := d.buildPrompt(transcript)
	response, err := d.llm.Prompt(ctx, d.model, []llms.Message{
		llms.SystemMessage(dialogueSystemPrompt),
		llms.UserMessage(prompt),
	})

	timeout := d.tunables.MidWaitMS
	if err != nil {
		span.RecordError(err)
		d.log.Warn("dialogue timeout prediction failed, using default", "error", err, "default_ms", timeout)
	} else {
		timeout = d.parseTimeout(response)
	}

	timeout = d.clamp(timeout)
	span.SetAttributes(attribute.Int("prediction.timeout_ms", timeout))

	d.judges.Record(transcript, timeout)
	return timeout
}

func (d *DialogueSTD) buildPrompt(transcript string) string {
	var b strings.Builder
	b.WriteString(d.judges.PromptSection())
	if feedback := d.judges.Feedback(); len(feedback) > 0 {
		b.WriteString("\nFeedback on recent predictions:\n")
		for _, note := range feedback {
			b.WriteString("- " + note + "\n")
		}
	}
	fmt.Fprintf(&b, "\nLatest transcript: %q\nWait (ms):", transcript)
	return b.String()
}

// parseTimeout is permissive: the first integer token anywhere in the
// response wins.
func (d *DialogueSTD) parseTimeout(response string) int {
	match := firstInteger.FindString(response)
	if match == "" {
		d.log.Warn("dialogue timeout response had no integer", "response", response)
		return d.tunables.MidWaitMS
	}
	value, err := strconv.Atoi(match)
	if err != nil {
		return d.tunables.MidWaitMS
	}
	return value
}

func (d *DialogueSTD) clamp(timeout int) int {
	if timeout < d.tunables.ShortWaitMS {
		return d.tunables.ShortWaitMS
	}
	if timeout > d.tunables.MaxWaitMS {
		return d.tunables.MaxWaitMS
	}
	return timeout
}
