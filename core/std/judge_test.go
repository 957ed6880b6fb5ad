package std

import (
	"strings"
	"testing"
)

func newTestJudges() *JudgeHistory {
	return NewJudgeHistory(14, 800, 250)
}

func TestObserveGapMarksInterrupt(t *testing.T) {
	judges := newTestJudges()
	judges.Record("今天天气怎么样", 200)
	judges.ObserveGap(120)

	records := judges.Records()
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	record := records[0]
	if !record.Observed || record.ActualGapMS != 120 {
		t.Fatalf("expected observed gap 120, got %+v", record)
	}
	if !record.HadInterrupt {
		t.Fatal("expected a gap below the critical threshold to count as an interrupt")
	}

	feedback := judges.Feedback()
	if len(feedback) != 1 || !strings.Contains(feedback[0], "too aggressive") {
		t.Fatalf("expected aggressive feedback, got %v", feedback)
	}
}

func TestObserveGapLongSilenceIsNotInterrupt(t *testing.T) {
	judges := newTestJudges()
	judges.Record("帮我定个闹钟", 150)
	judges.ObserveGap(2000)

	record := judges.Records()[0]
	if record.HadInterrupt {
		t.Fatal("expected a gap above the critical threshold to not count as an interrupt")
	}
	if record.TooConservative {
		t.Fatal("a short prediction should never be flagged conservative")
	}
}

func TestObserveGapFlagsConservativePrediction(t *testing.T) {
	judges := newTestJudges()
	judges.Record("嗯我想想", 800)
	judges.ObserveGap(3000)

	record := judges.Records()[0]
	if !record.TooConservative {
		t.Fatalf("expected conservative flag, got %+v", record)
	}
	feedback := judges.Feedback()
	if len(feedback) != 1 || !strings.Contains(feedback[0], "too conservative") {
		t.Fatalf("expected conservative feedback, got %v", feedback)
	}
}

func TestObserveGapOnlyTouchesMostRecentRecord(t *testing.T) {
	judges := newTestJudges()
	judges.Record("第一句", 200)
	judges.ObserveGap(100)
	judges.Record("第二句", 300)
	judges.ObserveGap(90)

	records := judges.Records()
	if records[0].ActualGapMS != 100 {
		t.Fatalf("first record clobbered: %+v", records[0])
	}
	if records[1].ActualGapMS != 90 {
		t.Fatalf("second record missing its gap: %+v", records[1])
	}

	// A second observation without a new record must not rewrite history.
	judges.ObserveGap(5000)
	if got := judges.Records()[1].ActualGapMS; got != 90 {
		t.Fatalf("expected gap to stay 90, got %d", got)
	}
}

func TestJudgeHistoryDepthBound(t *testing.T) {
	judges := NewJudgeHistory(3, 800, 250)
	for _, transcript := range []string{"a", "b", "c", "d", "e"} {
		judges.Record(transcript, 100)
	}
	records := judges.Records()
	if len(records) != 3 {
		t.Fatalf("expected 3 retained records, got %d", len(records))
	}
	if records[0].Transcript != "c" {
		t.Fatalf("expected oldest retained record c, got %q", records[0].Transcript)
	}
}
