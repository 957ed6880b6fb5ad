package orchestration

import (
	"context"
	"errors"
	"testing"

	"github.com/lumina-ai/lumina-core/core/llms"
)

func TestExtractEmotion(t *testing.T) {
	cases := []struct {
		in          string
		wantEmotion string
		wantText    string
	}{
		{"[HAPPY]\n好的", "HAPPY", "好的"},
		{"[SURPRISED] 真的吗", "SURPRISED", "真的吗"},
		{"没有标签", "NEUTRAL", "没有标签"},
		{"[EXCITED]\n嗯嗯", "NEUTRAL", "嗯嗯"},
		{"[HAPPY][SAD]两个标签", "HAPPY", "两个标签"},
	}
	for _, tc := range cases {
		emotion, text := ExtractEmotion(tc.in)
		if emotion != tc.wantEmotion || text != tc.wantText {
			t.Fatalf("ExtractEmotion(%q) = (%q, %q), expected (%q, %q)", tc.in, emotion, text, tc.wantEmotion, tc.wantText)
		}
	}
}

func TestGenerateParsesPreReply(t *testing.T) {
	gen := NewPreReplyGenerator(&fakeLLM{response: "[HAPPY]\n好的呀"}, "m", nil)
	pre, err := gen.Generate(context.Background(), "帮我查个东西", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pre.Emotion != "HAPPY" || pre.Text != "好的呀" || pre.TurnCount != 1 {
		t.Fatalf("unexpected pre-reply %+v", pre)
	}
}

func TestGenerateTruncatesLongPhrase(t *testing.T) {
	gen := NewPreReplyGenerator(&fakeLLM{response: "[NEUTRAL]\n这句话实在是太长了一点"}, "m", nil)
	pre, err := gen.Generate(context.Background(), "你好", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len([]rune(pre.Text)); got != 7 {
		t.Fatalf("expected 7 runes, got %d (%q)", got, pre.Text)
	}
}

func TestGenerateFailsClosed(t *testing.T) {
	gen := NewPreReplyGenerator(&fakeLLM{err: errors.New("vendor down")}, "m", nil)
	if _, err := gen.Generate(context.Background(), "你好", 1); err == nil {
		t.Fatal("expected an error")
	}

	gen = NewPreReplyGenerator(&fakeLLM{response: "[HAPPY]\n"}, "m", nil)
	if _, err := gen.Generate(context.Background(), "你好", 1); err == nil {
		t.Fatal("expected an empty pre-reply to be rejected")
	}
}

// Keep the fake here honest with the real interface.
var _ llms.Client = (*fakeLLM)(nil)
