package repair

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	ReasonMissing   = "No reason provided"
	ReasonExtracted = "Extracted from text response"
	ReasonDefault   = "Default selection - could not determine choice"
)

var choiceTextRE = regexp.MustCompile(`(?i)(?:choice|select).*?[12]`)

type VerdictSource int

const (
	VerdictJSON VerdictSource = iota
	VerdictText
	VerdictDefault
)

func (s VerdictSource) String() string {
	switch s {
	case VerdictJSON:
		return "json"
	case VerdictText:
		return "text"
	default:
		return "default"
	}
}

// Verdict is a judge's pick between two candidate answers.
type Verdict struct {
	Choice int
	Reason string
	Score1 float64
	Score2 float64
	Source VerdictSource
}

// ParseVerdict reads a judge reply of the form
// {"choice": 1|2, "reason": ..., "scores": {"answer1": {...}, "answer2": {...}}}.
// Replies without a usable JSON choice fall back to a choice mentioned in
// the text, then to answer 1.
func ParseVerdict(text string) Verdict {
	if v, ok := verdictFromJSON(text); ok {
		return v
	}
	if choice, ok := choiceFromText(text); ok {
		return Verdict{Choice: choice, Reason: ReasonExtracted, Source: VerdictText}
	}
	return Verdict{Choice: 1, Reason: ReasonDefault, Source: VerdictDefault}
}

func verdictFromJSON(text string) (Verdict, bool) {
	sliced, ok := sliceOpen(text)
	if !ok {
		return Verdict{}, false
	}
	res, ok := lenientObject(sliced)
	if !ok {
		if res, ok = lenientObject(Fixup(sliced)); !ok {
			return Verdict{}, false
		}
	}
	choice := res.Get("choice")
	if choice.Type != gjson.Number || (choice.Num != 1 && choice.Num != 2) {
		return Verdict{}, false
	}

	reason := ReasonMissing
	if r := res.Get("reason"); r.Exists() {
		reason = display(r)
	}

	return Verdict{
		Choice: int(choice.Num),
		Reason: reason,
		Score1: SumScores(res.Get("scores.answer1")),
		Score2: SumScores(res.Get("scores.answer2")),
		Source: VerdictJSON,
	}, true
}

// SumScores totals every numeric value of a score object, "total"
// included. Anything but an object scores 0.
func SumScores(v gjson.Result) float64 {
	if !v.IsObject() {
		return 0
	}
	var sum float64
	v.ForEach(func(_, val gjson.Result) bool {
		if val.Type == gjson.Number {
			sum += val.Num
		}
		return true
	})
	return sum
}

// choiceFromText finds the earliest of "choice ... N", "select ... N" or a
// 1/2 that is the last digit in the text.
func choiceFromText(text string) (int, bool) {
	best := -1
	var matched string

	if loc := choiceTextRE.FindStringIndex(text); loc != nil {
		best = loc[0]
		matched = text[loc[0]:loc[1]]
	}

	if i := lastDigit(text); i >= 0 && (text[i] == '1' || text[i] == '2') {
		if best < 0 || i < best {
			best = i
			matched = text[i : i+1]
		}
	}

	switch {
	case best < 0:
		return 0, false
	case strings.Contains(matched, "1"):
		return 1, true
	case strings.Contains(matched, "2"):
		return 2, true
	}
	return 0, false
}

func lastDigit(text string) int {
	for i := len(text) - 1; i >= 0; i-- {
		if text[i] >= '0' && text[i] <= '9' {
			return i
		}
	}
	return -1
}
