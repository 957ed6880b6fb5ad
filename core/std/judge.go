package std

import (
	"fmt"
	"strings"
	"sync"
)

// Judgement is one timeout prediction and, once the user speaks again, how
// it held up against the real speaking gap.
type Judgement struct {
	Transcript  string
	PredictedMS int

	// ActualGapMS is the measured silence before the user resumed; -1
	// until observed.
	ActualGapMS     int
	HadInterrupt    bool
	TooConservative bool
	Observed        bool
}

// JudgeHistory is a bounded ring of recent judgements plus the graded
// feedback lines derived from them. Both feed the next prediction prompt.
type JudgeHistory struct {
	mu      sync.Mutex
	records []Judgement

	depth          int
	criticalMS     int
	naturalDelayMS int

	feedback []string
}

// maxJudgeFeedback bounds how many graded notes are replayed into the
// prediction prompt.
const maxJudgeFeedback = 2

func NewJudgeHistory(depth, criticalMS, naturalDelayMS int) *JudgeHistory {
	return &JudgeHistory{
		depth:          depth,
		criticalMS:     criticalMS,
		naturalDelayMS: naturalDelayMS,
	}
}

// Record appends a fresh, not yet observed judgement.
func (h *JudgeHistory) Record(transcript string, predictedMS int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.records = append(h.records, Judgement{
		Transcript:  transcript,
		PredictedMS: predictedMS,
		ActualGapMS: -1,
	})
	if len(h.records) > h.depth {
		h.records = h.records[len(h.records)-h.depth:]
	}
}

// ObserveGap writes the measured speaking gap back into the most recent
// unobserved judgement and grades the prediction.
func (h *JudgeHistory) ObserveGap(gapMS int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := len(h.records) - 1; i >= 0; i-- {
		record := &h.records[i]
		if record.Observed {
			break
		}

		record.Observed = true
		record.ActualGapMS = gapMS
		record.HadInterrupt = gapMS < h.criticalMS

		if record.HadInterrupt {
			if record.PredictedMS > gapMS {
				h.addFeedback(fmt.Sprintf(
					"Prediction of %d ms for %q was too aggressive (%s): the user resumed speaking after only %d ms.",
					record.PredictedMS, record.Transcript, aggressiveSeverity(gapMS), gapMS,
				))
			}
			return
		}

		effectiveGap := gapMS - h.naturalDelayMS
		if record.PredictedMS >= h.criticalMS && effectiveGap >= 2*record.PredictedMS {
			record.TooConservative = true
			severity := "mildly"
			if effectiveGap >= 3*record.PredictedMS {
				severity = "severely"
			}
			h.addFeedback(fmt.Sprintf(
				"Prediction of %d ms for %q was %s too conservative: the user stayed silent for %d ms.",
				record.PredictedMS, record.Transcript, severity, gapMS,
			))
		}
		return
	}
}

func aggressiveSeverity(gapMS int) string {
	switch {
	case gapMS < 100:
		return "severely"
	case gapMS < 300:
		return "moderately"
	default:
		return "slightly"
	}
}

func (h *JudgeHistory) addFeedback(note string) {
	h.feedback = append(h.feedback, note)
	if len(h.feedback) > maxJudgeFeedback {
		h.feedback = h.feedback[len(h.feedback)-maxJudgeFeedback:]
	}
}

// Records returns a snapshot, oldest first.
func (h *JudgeHistory) Records() []Judgement {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Judgement, len(h.records))
	copy(out, h.records)
	return out
}

// Feedback returns the retained graded notes, oldest first.
func (h *JudgeHistory) Feedback() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.feedback))
	copy(out, h.feedback)
	return out
}

// Reset drops all records and feedback.
func (h *JudgeHistory) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = nil
	h.feedback = nil
}

// PromptSection renders the ring for the prediction prompt.
func (h *JudgeHistory) PromptSection() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.records) == 0 {
		return "No previous judgements."
	}

	var b strings.Builder
	b.WriteString("Previous judgements, oldest first:\n")
	for _, record := range h.records {
		fmt.Fprintf(&b, "- transcript: %q, predicted wait: %d ms", record.Transcript, record.PredictedMS)
		if record.Observed && record.ActualGapMS >= 0 {
			fmt.Fprintf(&b, ", actual speaking gap: %d ms", record.ActualGapMS)
			if record.HadInterrupt {
				b.WriteString(", the user resumed within the critical window")
			}
			if record.TooConservative {
				b.WriteString(", judged too conservative")
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}
