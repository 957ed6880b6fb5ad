package orchestration

import "unicode"

// SentenceSplitter turns a stream of model tokens into maximal sentences.
// Terminators are 。；？！!? and …; a Latin '.' terminates unless it sits
// inside a decimal number or an abbreviation, and a run of three dots
// forms an ellipsis that terminates. Overlong buffers break at a
// comma-class rune. Concatenating all emitted sentences reproduces the
// input exactly.
type SentenceSplitter struct {
	maxRunes int
	commaMin int

	buf    []rune
	dotRun int
}

func NewSentenceSplitter(maxRunes, commaMin int) *SentenceSplitter {
	return &SentenceSplitter{maxRunes: maxRunes, commaMin: commaMin}
}

// Push feeds a token and returns any completed sentences.
func (s *SentenceSplitter) Push(token string) []string {
	var out []string
	for _, r := range token {
		out = append(out, s.push(r)...)
	}
	return out
}

// Flush emits the remaining buffer as a final sentence, if any.
func (s *SentenceSplitter) Flush() []string {
	s.dotRun = 0
	if len(s.buf) == 0 {
		return nil
	}
	return []string{s.emit(len(s.buf))}
}

func (s *SentenceSplitter) push(r rune) []string {
	if s.dotRun > 0 {
		return s.pushAfterDot(r)
	}

	switch {
	case isHardTerminator(r):
		s.buf = append(s.buf, r)
		return []string{s.emit(len(s.buf))}
	case r == '.':
		s.buf = append(s.buf, r)
		s.dotRun = 1
		return nil
	default:
		s.buf = append(s.buf, r)
		return s.breakOverlong()
	}
}

// pushAfterDot resolves a pending '.' once the next rune reveals whether
// it was a decimal point, an abbreviation dot, part of an ellipsis, or a
// real sentence end.
func (s *SentenceSplitter) pushAfterDot(r rune) []string {
	if r == '.' {
		s.buf = append(s.buf, r)
		s.dotRun++
		if s.dotRun >= 3 {
			s.dotRun = 0
			return []string{s.emit(len(s.buf))}
		}
		return nil
	}

	if s.dotRun == 1 {
		before := s.runeBeforeDot()
		if unicode.IsDigit(before) && unicode.IsDigit(r) {
			// Decimal such as 3.14.
			s.dotRun = 0
			s.buf = append(s.buf, r)
			return s.breakOverlong()
		}
		if isLatinLetter(before) && isLatinLetter(r) {
			// Abbreviation such as e.g or U.S, no space after the dot.
			s.dotRun = 0
			s.buf = append(s.buf, r)
			return s.breakOverlong()
		}
	}

	// The dot (or dot pair) ends the sentence; r starts the next one.
	s.dotRun = 0
	out := []string{s.emit(len(s.buf))}
	return append(out, s.push(r)...)
}

func (s *SentenceSplitter) runeBeforeDot() rune {
	i := len(s.buf) - s.dotRun - 1
	if i < 0 {
		return 0
	}
	return s.buf[i]
}

// breakOverlong splits a buffer past the length limit at the rightmost
// comma-class rune that is far enough in.
func (s *SentenceSplitter) breakOverlong() []string {
	if len(s.buf) <= s.maxRunes {
		return nil
	}
	for i := len(s.buf) - 1; i > s.commaMin; i-- {
		if isCommaClass(s.buf[i]) {
			return []string{s.emit(i + 1)}
		}
	}
	return nil
}

// emit cuts the first n runes out of the buffer as a sentence.
func (s *SentenceSplitter) emit(n int) string {
	sentence := string(s.buf[:n])
	rest := make([]rune, len(s.buf)-n)
	copy(rest, s.buf[n:])
	s.buf = rest
	return sentence
}

func isHardTerminator(r rune) bool {
	switch r {
	case '。', '；', '？', '！', '!', '?', '…':
		return true
	}
	return false
}

func isCommaClass(r rune) bool {
	switch r {
	case '，', '；', '、', ',', ';':
		return true
	}
	return false
}

func isLatinLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}
