package orchestration

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/lumina-ai/lumina-core/core/llms"
)

// Emotions the synthesis vendor understands. Anything else is stripped.
const (
	EmotionNeutral   = "NEUTRAL"
	EmotionHappy     = "HAPPY"
	EmotionSad       = "SAD"
	EmotionAngry     = "ANGRY"
	EmotionFearful   = "FEARFUL"
	EmotionDisgusted = "DISGUSTED"
	EmotionSurprised = "SURPRISED"
)

var (
	validEmotionTag = regexp.MustCompile(`\[(NEUTRAL|HAPPY|SAD|ANGRY|FEARFUL|DISGUSTED|SURPRISED)\]`)
	anyTag          = regexp.MustCompile(`\[[A-Z_]+\]`)
)

// ExtractEmotion pulls the first valid emotion tag out of generated text
// and strips every tag-shaped marker. Without a valid tag the emotion
// defaults to NEUTRAL.
func ExtractEmotion(text string) (emotion, cleaned string) {
	emotion = EmotionNeutral
	if match := validEmotionTag.FindStringSubmatch(text); match != nil {
		emotion = match[1]
	}
	cleaned = anyTag.ReplaceAllString(text, "")
	cleaned = strings.TrimSpace(cleaned)
	return emotion, cleaned
}

// PreReply is the short filler utterance generated in parallel with turn
// detection, spoken to mask main-model latency.
type PreReply struct {
	Emotion string
	Text    string

	// TurnCount snapshots how many turns were queued when the pre-reply
	// was generated, so a stale pre-reply is never spoken for a later
	// grouping.
	TurnCount int
}

const preReplySystemPrompt = `You are the instant reaction of a voice assistant. The full answer is being prepared; you buy time.
Respond in exactly this format, nothing else:
[EMOTION]
<phrase>
EMOTION is one of NEUTRAL, HAPPY, SAD, ANGRY, FEARFUL, DISGUSTED, SURPRISED.
The phrase is 2 to 7 characters, conversational, and must not commit to any content of the answer. Examples: 好的, 嗯嗯, 让我想想.`

// PreReplyGenerator produces pre-replies with a low-latency model.
type PreReplyGenerator struct {
	llm   llms.Client
	model string
	log   *slog.Logger
}

func NewPreReplyGenerator(llm llms.Client, model string, log *slog.Logger) *PreReplyGenerator {
	if log == nil {
		log = slog.Default()
	}
	return &PreReplyGenerator{llm: llm, model: model, log: log}
}

// Generate produces a pre-reply for the latest transcript. Failures return
// an error; the caller speaks nothing rather than something wrong.
func (g *PreReplyGenerator) Generate(ctx context.Context, transcript string, turnCount int) (*PreReply, error) {
	response, err := g.llm.Prompt(ctx, g.model, []llms.Message{
		llms.SystemMessage(preReplySystemPrompt),
		llms.UserMessage(transcript),
	})
	if err != nil {
		return nil, fmt.Errorf("error generating pre-reply: %w", err)
	}

	emotion, text := ExtractEmotion(response)
	if text == "" {
		return nil, fmt.Errorf("pre-reply came back empty")
	}
	if runes := []rune(text); len(runes) > 7 {
		text = string(runes[:7])
	}

	return &PreReply{Emotion: emotion, Text: text, TurnCount: turnCount}, nil
}
