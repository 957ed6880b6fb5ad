package orchestration

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lumina-ai/lumina-core/core/contexts"
	"github.com/lumina-ai/lumina-core/core/llms"
	"github.com/lumina-ai/lumina-core/core/speechtotext"
	"github.com/lumina-ai/lumina-core/core/std"
	"github.com/lumina-ai/lumina-core/core/texttospeech"
	"github.com/lumina-ai/lumina-core/internal/config"
	"github.com/lumina-ai/lumina-core/internal/ipc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("github.com/lumina-ai/lumina-core/core")

const defaultSystemPrompt = `You are Lumina, a warm, concise voice assistant. You answer in the user's language, in short spoken sentences, without lists or markup.`

// LLM joins the plain and schema-constrained prompting surfaces one driver
// provides.
type LLM interface {
	llms.Client
	llms.StructuredClient
}

// Orchestrator owns the whole turn lifecycle: ingress audio, transcription
// monitoring, turn detection, reply generation and synthesis egress.
type Orchestrator struct {
	cfg *config.Config
	log *slog.Logger

	llm        LLM
	tts        texttospeech.Client
	sttFactory speechtotext.Factory

	sttMu      sync.Mutex
	stt        speechtotext.Client
	sttRetried bool

	buffer     *TurnBuffer
	history    *contexts.History
	directives *contexts.SystemContext
	detector   *std.Detector
	prereply   *PreReplyGenerator
	pipeline   *replyPipeline

	audioSrv  *ipc.AudioServer
	resultSrv *ipc.ResultServer
	synthSrv  *ipc.SynthesisServer

	retriever    contexts.Retriever
	commands     CommandDetector
	systemPrompt string

	audioCh  chan []byte
	resultCh chan speechtotext.Result

	sessionActive atomic.Bool
	lastActivity  atomic.Int64

	cancel    context.CancelFunc
	closeOnce sync.Once
}

type Option func(*Orchestrator)

func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

func WithMemoryRetriever(retriever contexts.Retriever) Option {
	return func(o *Orchestrator) { o.retriever = retriever }
}

func WithCommandDetector(detector CommandDetector) Option {
	return func(o *Orchestrator) { o.commands = detector }
}

func WithSystemPrompt(prompt string) Option {
	return func(o *Orchestrator) { o.systemPrompt = prompt }
}

func NewOrchestrator(cfg *config.Config, llm LLM, sttFactory speechtotext.Factory, tts texttospeech.Client, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:          cfg,
		log:          slog.Default(),
		llm:          llm,
		tts:          tts,
		sttFactory:   sttFactory,
		systemPrompt: defaultSystemPrompt,
		audioCh:      make(chan []byte, 64),
		resultCh:     make(chan speechtotext.Result, 16),
	}
	for _, opt := range opts {
		opt(o)
	}

	tunables := cfg.Tunables
	o.buffer = NewTurnBuffer(tunables.AutoGrowTick(), o.log)
	o.history = contexts.NewHistory()
	o.directives = contexts.NewSystemContext()

	machine := std.NewMachine(o.log)
	judges := std.NewJudgeHistory(tunables.JudgeHistoryDepth, tunables.CriticalThresholdMS, tunables.NaturalDelayMS)
	dialogue := std.NewDialogueSTD(llm, cfg.LLM.TimeoutModel, judges, tunables, o.log)
	agent := std.NewAgent(llm, cfg.LLM.EventModel, machine, o.log)
	o.detector = std.NewDetector(dialogue, agent, machine, tunables, o.log)

	o.prereply = NewPreReplyGenerator(llm, cfg.LLM.PreReplyModel, o.log)

	o.sessionActive.Store(true)
	o.touch()
	return o
}

// Orchestrate binds the local sockets, opens the transcription session and
// runs the workers until ctx is cancelled or Close is called. Socket bind
// failures abort before any audio is accepted.
func (o *Orchestrator) Orchestrate(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	defer cancel()

	var err error
	o.audioSrv, err = ipc.ListenAudio(o.cfg.IPC.Network, o.cfg.IPC.AudioAddr, ipc.AudioCallbacks{
		OnAudio:        o.onAudio,
		OnSilenceEvent: o.onSilenceEvent,
		OnEndSession:   o.onEndSession,
		OnReset:        o.onReset,
		OnStartSession: o.onStartSession,
		OnInterrupt:    o.onInterrupt,
	}, o.log)
	if err != nil {
		return err
	}
	o.resultSrv, err = ipc.ListenResults(o.cfg.IPC.Network, o.cfg.IPC.ResultAddr, o.log)
	if err != nil {
		o.audioSrv.Close()
		return err
	}
	o.synthSrv, err = ipc.ListenSynthesis(o.cfg.IPC.Network, o.cfg.IPC.SynthesisAddr, o.log)
	if err != nil {
		o.audioSrv.Close()
		o.resultSrv.Close()
		return err
	}

	o.pipeline = newReplyPipeline(
		o.llm, o.cfg.LLM.MainModel, o.systemPrompt,
		o.tts, o.synthSrv,
		o.buffer, o.history, o.directives, o.detector,
		o.cfg.Tunables, o.log,
	)

	stt, err := o.sttFactory(ctx, o.sttCallbacks(ctx))
	if err != nil {
		o.closeServers()
		return err
	}
	o.setSTT(stt)

	var wg sync.WaitGroup
	run := func(name string, f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					o.log.Error("worker panicked", "worker", name, "panic", r)
				}
			}()
			f()
		}()
	}

	run("audio server", func() { o.audioSrv.Serve(ctx) })
	run("result server", func() { o.resultSrv.Serve(ctx) })
	run("synthesis server", func() { o.synthSrv.Serve(ctx) })
	run("audio forwarder", func() { o.forwardAudio(ctx) })
	run("transcription monitor", func() { o.monitorTranscriptions(ctx) })
	run("synthesis dispatcher", func() { o.pipeline.DispatchLoop(ctx) })
	run("proactive loop", func() { o.proactiveLoop(ctx) })

	<-ctx.Done()
	o.currentSTT().Close()
	o.closeServers()
	wg.Wait()
	return nil
}

// Close shuts the orchestrator down; safe to call more than once.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		if o.cancel != nil {
			o.cancel()
		}
	})
}

// History exposes the conversation record.
func (o *Orchestrator) History() *contexts.History {
	return o.history
}

func (o *Orchestrator) closeServers() {
	if o.audioSrv != nil {
		o.audioSrv.Close()
	}
	if o.resultSrv != nil {
		o.resultSrv.Close()
	}
	if o.synthSrv != nil {
		o.synthSrv.Close()
	}
}

func (o *Orchestrator) touch() {
	o.lastActivity.Store(time.Now().UnixMilli())
}

// onAudio runs on the ingress read loop; the send never blocks it.
func (o *Orchestrator) onAudio(pcm []byte) {
	if !o.sessionActive.Load() {
		return
	}
	select {
	case o.audioCh <- pcm:
	default:
		o.log.Debug("dropping audio frame, forwarder is behind")
	}
}

// forwardAudio feeds the transcription session off the ingress loop, since
// vendor sends may block. A session that went unhealthy is replaced with a
// fresh one from the factory.
func (o *Orchestrator) forwardAudio(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pcm := <-o.audioCh:
			stt := o.currentSTT()
			if !stt.Healthy() {
				if stt = o.reopenSTT(ctx, stt); stt == nil {
					continue
				}
			}
			if err := stt.SendAudio(pcm); err != nil {
				o.log.Debug("audio forward failed", "error", err)
			}
		}
	}
}

func (o *Orchestrator) sttCallbacks(ctx context.Context) speechtotext.Callbacks {
	forward := func(result speechtotext.Result) {
		select {
		case o.resultCh <- result:
		case <-ctx.Done():
		}
	}
	return speechtotext.Callbacks{OnPartial: forward, OnFinal: forward}
}

func (o *Orchestrator) setSTT(stt speechtotext.Client) {
	o.sttMu.Lock()
	defer o.sttMu.Unlock()
	o.stt = stt
}

func (o *Orchestrator) currentSTT() speechtotext.Client {
	o.sttMu.Lock()
	defer o.sttMu.Unlock()
	return o.stt
}

// reopenSTT swaps in a fresh transcription session after the current one
// went unhealthy. One attempt per unhealthy instance; when the fresh
// session cannot be opened, audio is dropped until shutdown.
func (o *Orchestrator) reopenSTT(ctx context.Context, stale speechtotext.Client) speechtotext.Client {
	o.sttMu.Lock()
	defer o.sttMu.Unlock()
	if o.stt != stale {
		return o.stt
	}
	if o.sttRetried {
		return nil
	}
	o.sttRetried = true
	o.log.Warn("transcription session unhealthy, opening a fresh one")
	fresh, err := o.sttFactory(ctx, o.sttCallbacks(ctx))
	if err != nil {
		o.log.Error("replacement transcription session failed", "error", err)
		return nil
	}
	stale.Close()
	o.stt = fresh
	o.sttRetried = false
	return fresh
}

// monitorTranscriptions drains the transcription results and feeds the
// turn lifecycle.
func (o *Orchestrator) monitorTranscriptions(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case result := <-o.resultCh:
			if result.IsFinal {
				o.handleFinal(ctx, result)
			} else {
				o.handlePartial(result)
			}
		}
	}
}

func (o *Orchestrator) handlePartial(result speechtotext.Result) {
	o.touch()
	if err := o.resultSrv.Write(ipc.TranscriptionResult{Text: result.Text}); err != nil {
		o.log.Debug("result write failed", "error", err)
	}

	if gap := o.buffer.AddPartial(); gap >= 0 {
		o.detector.ObserveGap(int(gap))
	}
}

func (o *Orchestrator) handleFinal(ctx context.Context, result speechtotext.Result) {
	o.touch()
	if err := o.resultSrv.Write(ipc.TranscriptionResult{Text: result.Text, IsFinal: true}); err != nil {
		o.log.Debug("result write failed", "error", err)
	}
	go o.processTurn(ctx, result.Text)
}

// processTurn runs the per-final pipeline. The turn is buffered and the
// timer armed immediately, binding the current silence epoch and starting
// the clock, so a partial arriving while the classifiers run still cancels
// the reply. Memories, pre-reply, command detection and the turn decision
// then run in parallel before the decided timeout is assigned.
func (o *Orchestrator) processTurn(ctx context.Context, transcript string) {
	ctx, span := tracer.Start(ctx, "process user turn")
	defer span.End()

	turn := Turn{ID: uuid.NewString(), Text: transcript, Timestamp: time.Now()}
	o.buffer.AddFinal(turn)
	o.buffer.BeginSilence(0)
	turnCount := o.buffer.Len()
	timer := NewTimer(o.buffer, o.history, std.StateDialogue, o.cfg.Tunables.MaxWaitMS, o.cfg.Tunables.TimerPoll())

	var (
		wg       sync.WaitGroup
		memories []contexts.Memory
		pre      *PreReply
		decision std.Decision
		command  *CommandResult
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		var err error
		memories, err = contexts.RetrieveForUtterance(ctx, o.retriever, transcript, turn.ImageDescriptions)
		if err != nil {
			o.log.Warn("memory retrieval failed", "error", err)
			memories = nil
		}
	}()
	go func() {
		defer wg.Done()
		var err error
		pre, err = o.prereply.Generate(ctx, transcript, turnCount)
		if err != nil {
			o.log.Warn("pre-reply generation failed", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		decision = o.detector.Distribute(ctx, transcript)
	}()
	if o.commands != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			command, err = o.commands.Detect(ctx, transcript)
			if err != nil {
				o.log.Warn("command detection failed", "error", err)
			}
		}()
	}
	wg.Wait()

	o.applyCommand(command)
	o.buffer.AttachMemories(turn.ID, memories)

	span.SetAttributes(
		attribute.String("turn.state", decision.State.String()),
		attribute.Int("turn.timeout_ms", decision.TimeoutMS),
		attribute.Bool("turn.suppress", decision.Suppress),
	)

	if decision.Suppress {
		// Silence: the assistant must not speak and the silence counter
		// stops growing; the turn stays queued for a later grouping.
		o.buffer.StopAutoGrow()
		return
	}

	timer.SetTimeout(decision.State, decision.TimeoutMS)
	go o.pipeline.Run(ctx, timer, pre)
}

func (o *Orchestrator) applyCommand(command *CommandResult) {
	if command == nil {
		return
	}
	if command.VoiceRequested {
		voice := command.Voice
		if voice == "" {
			voice = o.cfg.TTS.DefaultVoice
		}
		o.directives.Set(contexts.DirectiveVoice, voice)
		o.tts.SetVoice(voice)
		o.log.Info("voice changed", "voice", voice)
	}
	for key, value := range command.Directives {
		o.directives.Push(key, value)
	}
}

func (o *Orchestrator) onSilenceEvent(ms uint64) {
	o.buffer.BeginSilence(int64(ms))
}

// onEndSession ends the session gracefully: the assistant stops speaking
// and ignores audio until START_SESSION, but the conversation record is
// kept.
func (o *Orchestrator) onEndSession() {
	o.sessionActive.Store(false)
	o.buffer.Interrupt()
	o.log.Info("session ended")
}

func (o *Orchestrator) onReset() {
	o.buffer.Interrupt()
	o.history.Reset()
	o.directives.Reset()
	o.detector.Reset()
	o.tts.SetVoice(o.cfg.TTS.DefaultVoice)
	o.log.Info("reset to initial state")
}

func (o *Orchestrator) onStartSession() {
	o.sessionActive.Store(true)
	o.buffer.Clear()
	o.touch()
	o.log.Info("session started")
}

func (o *Orchestrator) onInterrupt() {
	o.buffer.Interrupt()
}

// proactiveLoop interjects while the machine sits in Proactive and the
// user has been quiet for a while.
func (o *Orchestrator) proactiveLoop(ctx context.Context) {
	interval := o.cfg.Tunables.ProactiveInterval()
	ticker := time.NewTicker(interval / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if o.detector.Machine().State() != std.StateProactive {
			continue
		}
		if !o.sessionActive.Load() || o.buffer.Len() > 0 {
			continue
		}
		idle := time.Since(time.UnixMilli(o.lastActivity.Load()))
		if idle < interval {
			continue
		}
		o.touch()
		timer := NewTimer(o.buffer, o.history, std.StateProactive, 0, o.cfg.Tunables.TimerPoll())
		o.pipeline.RunInterjection(ctx, timer)
	}
}
