package answer

import (
	"regexp"
	"strings"

	"github.com/loqalabs/loqa-cue/internal/protocol"
)

const answerStyle = `
Provide a concise answer:
- 2-3 main points
- Use candidate's background if relevant
- Natural tone
- No labels or meta-commentary`

// BuildPrompt assembles the user prompt for one question. Knowledge blobs
// are cut to maxChars runes; maxChars <= 0 keeps them whole.
func BuildPrompt(req protocol.AnswerRequest, maxChars int) string {
	question := questionText(req.Question)

	var b strings.Builder
	b.WriteString("You are helping answer an interview question.\n\n")
	b.WriteString(`Question: "` + question + "\"\n")

	if req.Session.Company != "" || req.Session.Position != "" {
		b.WriteString("\nInterview Details:\n")
		b.WriteString("- Company: " + orNA(req.Session.Company) + "\n")
		b.WriteString("- Position: " + orNA(req.Session.Position) + "\n")
	}
	if profile := strings.TrimSpace(req.Profile); profile != "" {
		b.WriteString("\nCandidate Background:\n" + truncate(profile, maxChars) + "\n")
	}
	if notes := strings.TrimSpace(req.CompanyNotes); notes != "" {
		b.WriteString("\nCompany Research:\n" + truncate(notes, maxChars) + "\n")
	}
	if recent := strings.TrimSpace(strings.Join(req.RecentContext, " ")); recent != "" && recent != question {
		b.WriteString("\nRecent Context: " + recent + "\n")
	}
	b.WriteString(answerStyle)
	return b.String()
}

func questionText(ev protocol.QuestionEvent) string {
	if raw := strings.TrimSpace(ev.Raw); raw != "" {
		return raw
	}
	return ev.Text
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}

func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

var (
	leadingLabels = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\*\*Answer:\*\*\s*`),
		regexp.MustCompile(`(?i)^Answer:\s*`),
		regexp.MustCompile(`(?i)^\*\*Response:\*\*\s*`),
	}
	trailingMeta = []*regexp.Regexp{
		regexp.MustCompile(`\n?\*\([^)]+\)\*?\s*$`),
		regexp.MustCompile(`\n?\([^)]+\)\s*$`),
		regexp.MustCompile(`(?s)\n?\*?\(Key points:.*?\)\*?\s*$`),
	}
)

// Clean strips answer labels and trailing parenthesised meta commentary
// that models tend to add.
func Clean(text string) string {
	text = strings.TrimSpace(text)
	for _, re := range leadingLabels {
		text = re.ReplaceAllString(text, "")
	}
	for _, re := range trailingMeta {
		text = re.ReplaceAllString(text, "")
	}
	return strings.TrimSpace(text)
}
