package orchestration

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lumina-ai/lumina-core/core/audio"
	"github.com/lumina-ai/lumina-core/core/contexts"
	"github.com/lumina-ai/lumina-core/core/llms"
	"github.com/lumina-ai/lumina-core/core/std"
	"github.com/lumina-ai/lumina-core/core/texttospeech"
	"github.com/lumina-ai/lumina-core/internal/config"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ClipSink receives completed WAV clips, one per spoken sentence.
type ClipSink interface {
	WriteClip(wav []byte) error
}

// sentenceItem is one unit of work for the synthesis dispatcher.
type sentenceItem struct {
	text     string
	emotion  string
	timer    *Timer
	preReply bool
	onSpoken func(text string)
	commit   func()
}

// replyState accumulates what was actually spoken for one assistant turn.
// It is only touched by the dispatcher goroutine, whose FIFO order makes
// the commit item the last writer.
type replyState struct {
	id       string
	preReply string
	emotion  string
	spoken   []string
}

// replyPipeline turns a fired Timer into a spoken assistant reply: it
// drains the turn buffer, streams the main model, splits sentences and
// feeds the single synthesis dispatcher.
type replyPipeline struct {
	llm          llms.Client
	model        string
	systemPrompt string
	tts          texttospeech.Client
	egress       ClipSink
	buffer       *TurnBuffer
	history      *contexts.History
	directives   *contexts.SystemContext
	detector     *std.Detector
	tunables     config.Tunables
	log          *slog.Logger

	queue chan sentenceItem
}

func newReplyPipeline(
	llm llms.Client,
	model string,
	systemPrompt string,
	tts texttospeech.Client,
	egress ClipSink,
	buffer *TurnBuffer,
	history *contexts.History,
	directives *contexts.SystemContext,
	detector *std.Detector,
	tunables config.Tunables,
	log *slog.Logger,
) *replyPipeline {
	if log == nil {
		log = slog.Default()
	}
	return &replyPipeline{
		llm:          llm,
		model:        model,
		systemPrompt: systemPrompt,
		tts:          tts,
		egress:       egress,
		buffer:       buffer,
		history:      history,
		directives:   directives,
		detector:     detector,
		tunables:     tunables,
		log:          log,
		queue:        make(chan sentenceItem, tunables.SentenceQueueSize),
	}
}

// Run waits out the timer and, if the floor is still free, speaks one
// assistant turn. An epoch change at any point makes it return silently;
// the queued turns then stay buffered for the next grouping.
func (p *replyPipeline) Run(ctx context.Context, timer *Timer, pre *PreReply) {
	ctx, span := tracer.Start(ctx, "assistant reply turn")
	defer span.End()

	if !timer.WaitForTimeout(ctx) {
		span.SetAttributes(attribute.Bool("reply.suppressed", true))
		return
	}

	turns := p.buffer.Take()
	if len(turns) == 0 {
		return
	}
	span.SetAttributes(attribute.Int("reply.grouped_turns", len(turns)))

	entry := toHistoryEntry(turns)
	p.history.Append(entry)

	reply := &replyState{id: uuid.NewString()}
	enqueued := false
	settle := func() {
		p.enqueue(ctx, sentenceItem{commit: func() { p.commit(timer, reply) }})
	}

	// A pre-reply generated for a smaller grouping is stale; speaking it
	// for a collapsed multi-turn would answer the wrong thing.
	if pre != nil && pre.TurnCount == len(turns) {
		reply.emotion = pre.Emotion
		if !p.enqueue(ctx, sentenceItem{
			text:     pre.Text,
			emotion:  pre.Emotion,
			timer:    timer,
			preReply: true,
			onSpoken: func(text string) { reply.preReply = text },
		}) {
			return
		}
		enqueued = true
	}

	messages := contexts.FormatForLLM(p.systemPrompt, p.directives, p.history.Entries())
	stream, err := p.llm.PromptWithStream(ctx, p.model, messages)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reply generation failed")
		if enqueued {
			p.log.Warn("reply generation failed after the pre-reply", "error", err)
			settle()
		} else {
			p.abortUnspoken(turns, err)
		}
		return
	}

	splitter := NewSentenceSplitter(p.tunables.SentenceMaxRunes, p.tunables.CommaBreakMinRunes)
	for chunk, err := range stream.Chunks(ctx) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "reply stream failed")
			if enqueued {
				// Whatever was already dispatched still has to be
				// recorded; the commit settles it.
				p.log.Warn("reply stream failed mid-turn", "error", err)
				settle()
			} else {
				p.abortUnspoken(turns, err)
			}
			return
		}
		if !timer.AssureNoInterruption() {
			span.SetAttributes(attribute.Bool("reply.interrupted", true))
			if enqueued {
				settle()
			} else {
				p.abortUnspoken(turns, nil)
			}
			return
		}
		for _, sentence := range splitter.Push(chunk.Content()) {
			if !p.enqueue(ctx, p.sentence(sentence, timer, reply)) {
				return
			}
			enqueued = true
		}
	}
	for _, sentence := range splitter.Flush() {
		if !p.enqueue(ctx, p.sentence(sentence, timer, reply)) {
			return
		}
		enqueued = true
	}

	settle()
}

func (p *replyPipeline) sentence(text string, timer *Timer, reply *replyState) sentenceItem {
	return sentenceItem{
		text:     text,
		timer:    timer,
		onSpoken: func(spoken string) { reply.spoken = append(reply.spoken, spoken) },
	}
}

func (p *replyPipeline) enqueue(ctx context.Context, item sentenceItem) bool {
	select {
	case p.queue <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

// abortUnspoken undoes the optimistic history append and requeues the
// turns; nothing was said, so nothing is recorded.
func (p *replyPipeline) abortUnspoken(turns []Turn, err error) {
	if err != nil {
		p.log.Warn("aborting reply before speaking", "error", err)
	} else {
		p.log.Debug("reply superseded before speaking")
	}
	p.history.DropLast()
	p.buffer.Restore(turns)
}

// commit runs on the dispatcher after every sentence of the turn, so the
// reply state is complete.
func (p *replyPipeline) commit(timer *Timer, reply *replyState) {
	if reply.preReply == "" && len(reply.spoken) == 0 {
		return
	}
	p.history.Append(contexts.AssistantReply{
		ID:          reply.id,
		PreReply:    reply.preReply,
		Emotion:     reply.emotion,
		Sentences:   reply.spoken,
		Interrupted: !timer.AssureNoInterruption(),
		Completed:   timer.AssureNoInterruption(),
	})
	p.detector.CompleteResponse()
}

// RunInterjection speaks a short system-initiated utterance in Proactive
// mode. It goes through the same queue and epoch gates as a normal reply,
// so resumed user speech silences it.
func (p *replyPipeline) RunInterjection(ctx context.Context, timer *Timer) {
	ctx, span := tracer.Start(ctx, "proactive interjection")
	defer span.End()

	messages := contexts.FormatForLLM(p.systemPrompt, p.directives, p.history.Entries())
	messages = append(messages, llms.UserMessage(
		"(The user has been quiet for a while. Offer one short, friendly interjection; one or two spoken sentences, no questions stacked together.)",
	))

	response, err := p.llm.Prompt(ctx, p.model, messages)
	if err != nil {
		span.RecordError(err)
		p.log.Warn("interjection generation failed", "error", err)
		return
	}

	reply := &replyState{id: uuid.NewString()}
	splitter := NewSentenceSplitter(p.tunables.SentenceMaxRunes, p.tunables.CommaBreakMinRunes)
	sentences := append(splitter.Push(response), splitter.Flush()...)
	for _, sentence := range sentences {
		if !p.enqueue(ctx, p.sentence(sentence, timer, reply)) {
			return
		}
	}
	p.enqueue(ctx, sentenceItem{commit: func() { p.commit(timer, reply) }})
}

// DispatchLoop is the single synthesis worker. FIFO consumption is what
// guarantees pre-reply-before-main and cross-turn ordering.
func (p *replyPipeline) DispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-p.queue:
			p.dispatch(ctx, item)
		}
	}
}

func (p *replyPipeline) dispatch(ctx context.Context, item sentenceItem) {
	if item.commit != nil {
		item.commit()
		return
	}

	if item.preReply {
		if !item.timer.WaitForTimeout(ctx) {
			return
		}
	} else if !item.timer.AssureNoInterruption() {
		return
	}

	emotion, text := item.emotion, item.text
	if emotion == "" {
		emotion, text = ExtractEmotion(text)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	pcm, ok := p.synthesize(ctx, emotion, text, item.timer)
	if !ok {
		return
	}
	if !item.timer.AssureNoInterruption() {
		p.log.Debug("dropping synthesized sentence, epoch superseded")
		return
	}

	wav := audio.WrapWAV(pcm, audio.EgressEncoding)
	if err := p.egress.WriteClip(wav); err != nil {
		p.log.Warn("clip write failed", "error", err)
		return
	}
	if item.onSpoken != nil {
		item.onSpoken(text)
	}
}

// synthesize accumulates the vendor's PCM stream, re-checking the epoch
// between reads so a barge-in stops the synthesis mid-stream. A vendor
// failure drops the sentence; later sentences proceed.
func (p *replyPipeline) synthesize(ctx context.Context, emotion, text string, timer *Timer) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	stream, err := p.tts.Synthesize(ctx, emotion, text)
	if err != nil {
		p.log.Warn("synthesis failed, dropping sentence", "error", err)
		return nil, false
	}
	defer stream.Close()

	var pcm []byte
	buf := make([]byte, 4096)
	for {
		n, err := stream.Read(buf)
		pcm = append(pcm, buf[:n]...)
		if err == io.EOF {
			return pcm, true
		}
		if err != nil {
			p.log.Warn("synthesis stream failed, dropping sentence", "error", err)
			return nil, false
		}
		if !timer.AssureNoInterruption() {
			return nil, false
		}
	}
}

func toHistoryEntry(turns []Turn) contexts.Entry {
	if len(turns) == 1 {
		return toUserTurn(turns[0])
	}
	grouped := make([]contexts.UserTurn, 0, len(turns))
	for _, turn := range turns {
		grouped = append(grouped, toUserTurn(turn))
	}
	return contexts.MultiTurn{Turns: grouped}
}

func toUserTurn(turn Turn) contexts.UserTurn {
	return contexts.UserTurn{
		ID:                turn.ID,
		Text:              turn.Text,
		Timestamp:         turn.Timestamp,
		ImageDescriptions: turn.ImageDescriptions,
		Memories:          turn.Memories,
	}
}
