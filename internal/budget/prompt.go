package budget

import (
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/sentinel/internal/retrieve"
	"github.com/linnemanlabs/sentinel/internal/tokens"
)

// Prompt is a fully assembled request body plus its accounting.
type Prompt struct {
	System          string
	User            string
	Budget          PromptBudget
	Included        int
	Total           int
	Truncated       int
	MaxOutputTokens int
}

// SystemFunc renders the system prompt for a trigger type.
type SystemFunc func(triggerType string, now time.Time) string

// Builder assembles prompts.
type Builder struct {
	Limits Limits
	Est    tokens.Estimator
	System SystemFunc
	Now    func() time.Time
}

// NewBuilder returns a Builder with default limits, the char estimator and
// the default system prompt.
func NewBuilder() *Builder {
	return &Builder{
		Limits: DefaultLimits(),
		Est:    tokens.Chars{},
		System: DefaultSystem,
		Now:    time.Now,
	}
}

// Build renders the system prompt, fits contexts into what remains of the
// window and formats the user message.
func (b *Builder) Build(triggerType, triggerContent string, contexts []retrieve.Context) Prompt {
	est := b.Est
	if est == nil {
		est = tokens.Chars{}
	}
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	sysFn := b.System
	if sysFn == nil {
		sysFn = DefaultSystem
	}

	system := sysFn(triggerType, now())
	bud := PromptBudget{
		MaxContext:    b.Limits.MaxContext,
		SystemTokens:  est.Count(system),
		TriggerTokens: est.Count(triggerContent),
		OutputReserve: b.Limits.OutputReserve,
		Buffer:        b.Limits.Buffer,
	}

	sel := Fit(contexts, max(bud.Available(), 0))
	bud.ContextTokensUsed = sel.TokensUsed

	var sb strings.Builder
	sb.WriteString("## RETRIEVED MEMORY CONTEXT\n")
	sb.WriteString(FormatContexts(sel.Included))
	if sel.Remaining > 0 {
		fmt.Fprintf(&sb, "\n\n[%d more truncated]", sel.Remaining)
	}
	fmt.Fprintf(&sb, "\n\n## CURRENT TRIGGER (%s)\n%s\n\n", strings.ToUpper(triggerType), triggerContent)
	sb.WriteString("## INSTRUCTION\nAnalyze the trigger using all retrieved context. Respond in the JSON output format.\n")

	maxOut := b.Limits.MaxOutputTokens
	if maxOut <= 0 {
		maxOut = DefaultMaxOutputTokens
	}

	return Prompt{
		System:          system,
		User:            sb.String(),
		Budget:          bud,
		Included:        len(sel.Included),
		Total:           len(contexts),
		Truncated:       sel.Remaining,
		MaxOutputTokens: maxOut,
	}
}

const rule = "============================================================"

// metaFields are rendered on the item header line when present, in order.
var metaFields = []struct{ key, label string }{
	{"date", "Date"},
	{"participants", "Participants"},
	{"person_type", "Type"},
	{"role", "Role"},
	{"deal_stage", "Stage"},
	{"status", "Status"},
	{"source", "Source"},
}

// FormatContexts groups items by source in first-seen order.
func FormatContexts(items []retrieve.Context) string {
	if len(items) == 0 {
		return "[No relevant context found in memory]"
	}

	var order []string
	groups := make(map[string][]retrieve.Context)
	for _, it := range items {
		src := strings.ToUpper(it.Source)
		if _, ok := groups[src]; !ok {
			order = append(order, src)
		}
		groups[src] = append(groups[src], it)
	}

	var lines []string
	for _, src := range order {
		group := groups[src]
		lines = append(lines, "\n"+rule, fmt.Sprintf("SOURCE: %s (%d items)", src, len(group)), rule)
		for _, it := range group {
			lines = append(lines,
				fmt.Sprintf("\n--- [%s] %s (relevance: %.3f)%s ---", src, it.Label(), it.Score, metaLine(it.Metadata)),
				it.Content,
			)
		}
	}
	return strings.Join(lines, "\n")
}

func metaLine(md map[string]any) string {
	var parts []string
	for _, f := range metaFields {
		v, ok := md[f.key]
		if !ok || v == nil || v == "" {
			continue
		}
		switch vv := v.(type) {
		case []any:
			ss := make([]string, 0, len(vv))
			for _, x := range vv {
				ss = append(ss, fmt.Sprint(x))
			}
			v = strings.Join(ss, ", ")
		case []string:
			v = strings.Join(vv, ", ")
		}
		parts = append(parts, fmt.Sprintf("%s: %v", f.label, v))
	}
	if len(parts) == 0 {
		return ""
	}
	return " | " + strings.Join(parts, " | ")
}
