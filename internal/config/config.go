// Package config loads vendor credentials from the environment and runtime
// tunables from an optional YAML file. Credentials missing at startup are a
// fatal condition; tunables always have usable defaults.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything the process needs to talk to its vendors and its
// local peers.
type Config struct {
	LLM      LLMConfig
	STT      STTConfig
	TTS      TTSConfig
	IPC      IPCConfig
	Tunables Tunables
}

type LLMConfig struct {
	APIKey        string
	BaseURL       string
	MainModel     string
	TimeoutModel  string
	PreReplyModel string
	EventModel    string
}

type STTConfig struct {
	URL    string
	AppKey string
	Token  string
}

type TTSConfig struct {
	URL          string
	Token        string
	DefaultVoice string
}

// IPCConfig names the three local endpoints: audio ingress, transcription
// result egress and synthesized speech egress. On POSIX these are unix
// socket paths; on Windows they are TCP host:port addresses.
type IPCConfig struct {
	Network       string
	AudioAddr     string
	ResultAddr    string
	SynthesisAddr string
}

// Load reads credentials and endpoints from the environment. tunablesPath
// may be empty, in which case built-in defaults apply.
func Load(tunablesPath string) (*Config, error) {
	cfg := &Config{
		LLM: LLMConfig{
			APIKey:        os.Getenv("LUMINA_LLM_API_KEY"),
			BaseURL:       envOr("LUMINA_LLM_BASE_URL", "https://dashscope.aliyuncs.com/compatible-mode/v1"),
			MainModel:     envOr("LUMINA_LLM_MAIN_MODEL", "qwen-plus"),
			TimeoutModel:  envOr("LUMINA_LLM_TIMEOUT_MODEL", "qwen-turbo"),
			PreReplyModel: envOr("LUMINA_LLM_PREREPLY_MODEL", "qwen-turbo"),
			EventModel:    envOr("LUMINA_LLM_EVENT_MODEL", "qwen-turbo"),
		},
		STT: STTConfig{
			URL:    envOr("LUMINA_STT_URL", "wss://nls-gateway.aliyuncs.com/ws/v1"),
			AppKey: os.Getenv("LUMINA_STT_APP_KEY"),
			Token:  os.Getenv("LUMINA_STT_TOKEN"),
		},
		TTS: TTSConfig{
			URL:          envOr("LUMINA_TTS_URL", "wss://dashscope.aliyuncs.com/api-ws/v1/inference"),
			Token:        os.Getenv("LUMINA_TTS_TOKEN"),
			DefaultVoice: envOr("LUMINA_TTS_DEFAULT_VOICE", "longxiaochun"),
		},
		IPC:      defaultIPC(),
		Tunables: DefaultTunables(),
	}

	if v := os.Getenv("LUMINA_IPC_AUDIO_ADDR"); v != "" {
		cfg.IPC.AudioAddr = v
	}
	if v := os.Getenv("LUMINA_IPC_RESULT_ADDR"); v != "" {
		cfg.IPC.ResultAddr = v
	}
	if v := os.Getenv("LUMINA_IPC_SYNTHESIS_ADDR"); v != "" {
		cfg.IPC.SynthesisAddr = v
	}

	if tunablesPath != "" {
		if err := cfg.Tunables.loadFile(tunablesPath); err != nil {
			return nil, err
		}
	}

	if cfg.LLM.APIKey == "" {
		return nil, fmt.Errorf("LUMINA_LLM_API_KEY is not set")
	}

	return cfg, nil
}

func defaultIPC() IPCConfig {
	if runtime.GOOS == "windows" {
		return IPCConfig{
			Network:       "tcp",
			AudioAddr:     "127.0.0.1:42801",
			ResultAddr:    "127.0.0.1:42802",
			SynthesisAddr: "127.0.0.1:42803",
		}
	}
	return IPCConfig{
		Network:       "unix",
		AudioAddr:     "/tmp/lumina-audio.sock",
		ResultAddr:    "/tmp/lumina-result.sock",
		SynthesisAddr: "/tmp/lumina-synthesis.sock",
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Tunables are the latency and sizing knobs of the orchestration core. All
// durations are expressed in milliseconds in the YAML file.
type Tunables struct {
	// CriticalThresholdMS is the speaking gap below which a predicted
	// timeout counts as an interruption of the user.
	CriticalThresholdMS int `yaml:"critical_threshold_ms"`

	// Waiting-time tiers for the dialogue turn detector.
	ShortWaitMS int `yaml:"short_wait_ms"`
	MidWaitMS   int `yaml:"mid_wait_ms"`
	LongWaitMS  int `yaml:"long_wait_ms"`
	ExtraWaitMS int `yaml:"extra_wait_ms"`
	MaxWaitMS   int `yaml:"max_wait_ms"`

	// NaturalDelayMS is subtracted from measured gaps when judging whether
	// a prediction was too conservative.
	NaturalDelayMS int `yaml:"natural_delay_ms"`

	JudgeHistoryDepth int `yaml:"judge_history_depth"`

	TimerPollMS    int `yaml:"timer_poll_ms"`
	AutoGrowTickMS int `yaml:"auto_grow_tick_ms"`

	SentenceMaxRunes   int `yaml:"sentence_max_runes"`
	CommaBreakMinRunes int `yaml:"comma_break_min_runes"`

	SentenceQueueSize int `yaml:"sentence_queue_size"`

	STTIdleReconnectS int `yaml:"stt_idle_reconnect_s"`

	ProactiveIntervalMS int `yaml:"proactive_interval_ms"`
}

func DefaultTunables() Tunables {
	return Tunables{
		CriticalThresholdMS: 800,
		ShortWaitMS:         50,
		MidWaitMS:           150,
		LongWaitMS:          350,
		ExtraWaitMS:         500,
		MaxWaitMS:           800,
		NaturalDelayMS:      250,
		JudgeHistoryDepth:   14,
		TimerPollMS:         2,
		AutoGrowTickMS:      3,
		SentenceMaxRunes:    100,
		CommaBreakMinRunes:  30,
		SentenceQueueSize:   8,
		STTIdleReconnectS:   8,
		ProactiveIntervalMS: 30000,
	}
}

func (t *Tunables) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading tunables file: %w", err)
	}
	if err := yaml.Unmarshal(data, t); err != nil {
		return fmt.Errorf("parsing tunables file: %w", err)
	}
	return nil
}

func (t Tunables) CriticalThreshold() time.Duration {
	return time.Duration(t.CriticalThresholdMS) * time.Millisecond
}

func (t Tunables) TimerPoll() time.Duration {
	return time.Duration(t.TimerPollMS) * time.Millisecond
}

func (t Tunables) AutoGrowTick() time.Duration {
	return time.Duration(t.AutoGrowTickMS) * time.Millisecond
}

func (t Tunables) STTIdleReconnect() time.Duration {
	return time.Duration(t.STTIdleReconnectS) * time.Second
}

func (t Tunables) ProactiveInterval() time.Duration {
	return time.Duration(t.ProactiveIntervalMS) * time.Millisecond
}
