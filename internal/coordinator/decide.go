package coordinator

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/xiaot623/conductor/internal/adapter/llm"
	"github.com/xiaot623/conductor/internal/domain"
	"github.com/xiaot623/conductor/internal/plan"
)

// Decision sources.
const (
	SourceMention    = "mention"
	SourceClassifier = "classifier"
	SourceModel      = "model"
	SourceNone       = "none"
)

// Decision says whether to delegate and to whom.
type Decision struct {
	Delegate   bool
	TargetID   string
	Confidence float64
	Source     string
}

// Decide picks a delegate for the latest user message. An explicit mention
// wins without a model call, then a confident keyword match, then the
// model. Plans that cannot delegate always handle the request themselves.
func (c *Coordinator) Decide(ctx context.Context, p *plan.Plan, messages []domain.Message) (Decision, error) {
	none := Decision{Source: SourceNone}
	if !p.CanDelegate() {
		return none, nil
	}
	text := llm.LastUserMessage(messages)
	if strings.TrimSpace(text) == "" {
		return none, nil
	}

	if id, ok := mentioned(p.Delegates, text); ok {
		return Decision{Delegate: true, TargetID: id, Confidence: 1, Source: SourceMention}, nil
	}

	if id, conf := classify(p.Delegates, text); id != "" && conf >= c.opts.ConfidenceThreshold {
		return Decision{Delegate: true, TargetID: id, Confidence: conf, Source: SourceClassifier}, nil
	}

	if c.model == nil {
		return none, nil
	}
	id, err := c.ask(ctx, p, text)
	if err != nil {
		return none, err
	}
	if id == "" {
		return Decision{Source: SourceModel}, nil
	}
	return Decision{Delegate: true, TargetID: id, Source: SourceModel}, nil
}

// mentioned finds the earliest "@id" or display name in text.
func mentioned(delegates []plan.Delegate, text string) (string, bool) {
	lower := strings.ToLower(text)
	best, bestAt := "", -1
	for _, d := range delegates {
		needles := []string{"@" + strings.ToLower(d.ID)}
		// A name that merely repeats the id is not an explicit mention.
		if d.Name != "" && !strings.EqualFold(d.Name, d.ID) {
			needles = append(needles, strings.ToLower(d.Name))
		}
		for _, needle := range needles {
			if at := indexWord(lower, needle); at >= 0 && (bestAt < 0 || at < bestAt) {
				best, bestAt = d.ID, at
			}
		}
	}
	return best, bestAt >= 0
}

// indexWord finds needle in s bounded by non-word characters.
func indexWord(s, needle string) int {
	from := 0
	for {
		i := strings.Index(s[from:], needle)
		if i < 0 {
			return -1
		}
		i += from
		end := i + len(needle)
		before := i == 0 || !isWordByte(s[i-1])
		after := end == len(s) || !isWordByte(s[end])
		if before && after {
			return i
		}
		from = i + 1
	}
}

func isWordByte(b byte) bool {
	r := rune(b)
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-'
}

// classify scores delegates by distinct keyword hits. Confidence grows with
// the winner's hits and shrinks with hits shared by other delegates.
func classify(delegates []plan.Delegate, text string) (string, float64) {
	lower := strings.ToLower(text)
	best, bestHits, total := "", 0, 0
	for _, d := range delegates {
		hits := 0
		for _, kw := range d.Keywords {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" && indexWord(lower, kw) >= 0 {
				hits++
			}
		}
		total += hits
		if hits > bestHits {
			best, bestHits = d.ID, hits
		}
	}
	if bestHits == 0 {
		return "", 0
	}
	share := float64(bestHits) / float64(total)
	return best, share * (1 - math.Pow(0.25, float64(bestHits)))
}

func (c *Coordinator) ask(ctx context.Context, p *plan.Plan, text string) (string, error) {
	var b strings.Builder
	b.WriteString("Decide which agent should handle the user's request. ")
	b.WriteString("Reply with exactly one agent id from the list, or none if you should answer yourself.\n")
	for _, d := range p.Delegates {
		fmt.Fprintf(&b, "- %s: %s\n", d.ID, d.Description)
	}
	resp, err := c.model.Invoke(ctx, llm.Request{
		AgentID: p.AgentID(),
		Model:   p.Agent.Model,
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: b.String()},
			{Role: domain.RoleUser, Content: text},
		},
	})
	if err != nil {
		return "", fmt.Errorf("routing model call failed: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(resp.Message.Content))
	answer = strings.Trim(answer, "`'\".")
	for _, d := range p.Delegates {
		if answer == strings.ToLower(d.ID) {
			return d.ID, nil
		}
	}
	return "", nil
}
