package agent

import (
	"errors"
	"strings"
	"unicode"

	"github.com/kb-agent/backend/internal/llm"
	"github.com/kb-agent/backend/internal/storage/models"
)

var ErrValidation = errors.New("invalid request")

type Intent string

const (
	IntentGreeting  Intent = "GREETING"
	IntentKnowledge Intent = "KNOWLEDGE"
	IntentOffTopic  Intent = "OFF_TOPIC"
)

var intents = []Intent{IntentGreeting, IntentKnowledge, IntentOffTopic}

var negations = map[string]bool{"NOT": true, "NO": true, "NEVER": true, "ISN'T": true, "NEITHER": true, "NOR": true}

// ParseIntent reads the label out of a model reply. The first label token
// that is not negated wins ("not GREETING, KNOWLEDGE" is KNOWLEDGE). Case,
// hyphens and spaces inside a label are ignored ("off-topic" matches). When
// no token matches, the earliest label substring is used.
func ParseIntent(output string) (Intent, bool) {
	upper := strings.ToUpper(output)

	tokens := strings.FieldsFunc(upper, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '_' && r != '\''
	})
	for i, tok := range tokens {
		if tok == "OFF" && i+1 < len(tokens) && tokens[i+1] == "TOPIC" {
			tok = string(IntentOffTopic)
		}
		if i > 0 && negations[tokens[i-1]] {
			continue
		}
		for _, in := range intents {
			if tok == string(in) {
				return in, true
			}
		}
	}

	normalized := strings.NewReplacer("-", "_", " ", "_").Replace(upper)
	best, bestPos := Intent(""), -1
	for _, in := range intents {
		pos := strings.Index(normalized, string(in))
		if pos >= 0 && (bestPos < 0 || pos < bestPos) {
			best, bestPos = in, pos
		}
	}
	return best, bestPos >= 0
}

type Mode string

const (
	ModeFast     Mode = "fast"
	ModeThinking Mode = "thinking"
)

// ParseMode maps an empty string to def and rejects unknown modes.
func ParseMode(s string, def Mode) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return def, nil
	case ModeFast:
		return ModeFast, nil
	case ModeThinking:
		return ModeThinking, nil
	}
	return "", ErrValidation
}

type State string

const (
	StateStart     State = "START"
	StateIntent    State = "INTENT"
	StateGreeting  State = "GREETING"
	StateOffTopic  State = "OFF_TOPIC"
	StateKnowledge State = "KNOWLEDGE"
	StateRefine    State = "REFINE"
	StateRetrieve  State = "RETRIEVE"
	StateAssemble  State = "ASSEMBLE"
	StateGenerate  State = "GENERATE"
	StateDone      State = "DONE"
	StateError     State = "ERROR"
)

type Request struct {
	Query   string
	History []llm.Message
	Mode    Mode
}

// Sink receives every streamed token in order. It is called synchronously
// from the goroutine running the turn.
type Sink func(token string)

type Result struct {
	Mode         Mode            `json:"mode"`
	Intent       Intent          `json:"intent,omitempty"`
	RefinedQuery string          `json:"refined_query,omitempty"`
	Sources      []models.Source `json:"sources"`
	Answer       string          `json:"answer"`
	Trace        []string        `json:"trace,omitempty"`
	State        State           `json:"state"`
	// Transcript is everything sent to the sink, markers included.
	Transcript string `json:"-"`
	Err        error  `json:"-"`
}
