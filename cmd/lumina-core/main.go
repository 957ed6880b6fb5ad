// Command lumina-core runs the turn orchestrator as a local process: it
// binds the IPC sockets, opens the vendor sessions and serves turns until
// interrupted.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	orchestration "github.com/lumina-ai/lumina-core/core"
	"github.com/lumina-ai/lumina-core/core/llms/qwen"
	"github.com/lumina-ai/lumina-core/core/speechtotext"
	"github.com/lumina-ai/lumina-core/core/speechtotext/alicloud"
	"github.com/lumina-ai/lumina-core/core/texttospeech/cosyvoice"
	"github.com/lumina-ai/lumina-core/internal/config"
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

func main() {
	tunablesPath := flag.String("tunables", "", "path to a tunables yaml file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	// A missing .env is fine; the environment may be set another way.
	_ = godotenv.Load()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	if os.Getenv("LUMINA_OTEL_LOGS") != "" {
		handler = otelslog.NewHandler("lumina-core")
	}
	log := slog.New(handler)
	slog.SetDefault(log)

	cfg, err := config.Load(*tunablesPath)
	if err != nil {
		log.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	llm := qwen.New(cfg.LLM.APIKey, qwen.WithBaseURL(cfg.LLM.BaseURL))

	sttFactory := func(ctx context.Context, callbacks speechtotext.Callbacks) (speechtotext.Client, error) {
		return alicloud.New(ctx, alicloud.Config{
			URL:           cfg.STT.URL,
			AppKey:        cfg.STT.AppKey,
			Token:         cfg.STT.Token,
			IdleReconnect: cfg.Tunables.STTIdleReconnect(),
		}, callbacks, log)
	}

	tts := cosyvoice.New(cosyvoice.Config{
		URL:   cfg.TTS.URL,
		Token: cfg.TTS.Token,
		Voice: cfg.TTS.DefaultVoice,
	}, log)

	orchestrator := orchestration.NewOrchestrator(cfg, llm, sttFactory, tts, orchestration.WithLogger(log))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("lumina-core starting",
		"audio", cfg.IPC.AudioAddr,
		"results", cfg.IPC.ResultAddr,
		"synthesis", cfg.IPC.SynthesisAddr,
	)
	if err := orchestrator.Orchestrate(ctx); err != nil {
		log.Error("orchestrator failed", "error", err)
		os.Exit(1)
	}
	log.Info("lumina-core stopped")
}
