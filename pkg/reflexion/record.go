// Package reflexion implements the self-improvement layer: out-of-band
// LLM calls that turn failure evidence into short verbal insights,
// stored in bounded memory and injected into later prompts.
package reflexion

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Trigger identifies why a reflection was produced.
type Trigger string

const (
	TriggerValidationFailure   Trigger = "validation_failure"
	TriggerToolError           Trigger = "tool_error"
	TriggerConsecutiveMistakes Trigger = "consecutive_mistakes"
	TriggerPeriodic            Trigger = "periodic"
	TriggerTrialFailure        Trigger = "trial_failure"
	TriggerPreCompletion       Trigger = "pre_completion"
)

// Record is one stored insight together with the situation it came
// from. The situation fields drive similarity scoring when records are
// recalled from the cache.
type Record struct {
	ID      string  `json:"id"`
	Trigger Trigger `json:"trigger"`
	Insight string  `json:"insight"`

	Iteration     int      `json:"iteration"`
	Trial         int      `json:"trial"`
	ToolsUsed     []string `json:"tools_used,omitempty"`
	FilesModified []string `json:"files_modified,omitempty"`
	Keywords      []string `json:"keywords,omitempty"`

	// Applied marks an insight the agent has acted on. Reset when a
	// record is seeded from the cache into a new task.
	Applied bool `json:"applied"`

	CreatedAt time.Time `json:"created_at"`
}

// NewRecord builds a record, deriving keywords from the insight text.
func NewRecord(trigger Trigger, insight string, iteration, trial int, toolsUsed, filesModified []string) *Record {
	return &Record{
		ID:            uuid.New().String(),
		Trigger:       trigger,
		Insight:       insight,
		Iteration:     iteration,
		Trial:         trial,
		ToolsUsed:     toolsUsed,
		FilesModified: filesModified,
		Keywords:      ExtractKeywords(insight),
		CreatedAt:     time.Now(),
	}
}

var stopwords = map[string]struct{}{
	"about": {}, "after": {}, "again": {}, "because": {}, "been": {},
	"before": {}, "being": {}, "could": {}, "doing": {}, "during": {},
	"every": {}, "first": {}, "from": {}, "have": {}, "having": {},
	"instead": {}, "into": {}, "more": {}, "other": {}, "should": {},
	"since": {}, "that": {}, "their": {}, "then": {}, "there": {},
	"these": {}, "they": {}, "this": {}, "those": {}, "through": {},
	"were": {}, "when": {}, "where": {}, "which": {}, "while": {},
	"will": {}, "with": {}, "would": {}, "your": {},
}

// ExtractKeywords pulls distinctive lowercase terms out of free text.
func ExtractKeywords(text string) []string {
	seen := make(map[string]struct{})
	var keywords []string

	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r != '_'
	}) {
		if len(word) < 4 {
			continue
		}
		if _, stop := stopwords[word]; stop {
			continue
		}
		if _, dup := seen[word]; dup {
			continue
		}
		seen[word] = struct{}{}
		keywords = append(keywords, word)
	}

	return keywords
}

// Situation describes the current state a cached record is scored
// against.
type Situation struct {
	Trigger       Trigger
	Keywords      []string
	ToolsUsed     []string
	FilesModified []string
}

// Similarity scores how well a record matches a situation: 1.0 for a
// trigger match, 0.5 per shared keyword, 0.3 per shared tool, 0.2 per
// shared modified file.
func (r *Record) Similarity(s Situation) float64 {
	score := 0.0
	if r.Trigger == s.Trigger {
		score += 1.0
	}
	score += 0.5 * float64(countShared(r.Keywords, s.Keywords))
	score += 0.3 * float64(countShared(r.ToolsUsed, s.ToolsUsed))
	score += 0.2 * float64(countShared(r.FilesModified, s.FilesModified))
	return score
}

func countShared(a, b []string) int {
	set := make(map[string]struct{}, len(a))
	for _, item := range a {
		set[item] = struct{}{}
	}
	shared := 0
	for _, item := range b {
		if _, ok := set[item]; ok {
			shared++
		}
	}
	return shared
}
