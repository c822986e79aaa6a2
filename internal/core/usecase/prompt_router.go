package usecase

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kirillkom/grounded-qa/internal/core/domain"
)

// JSONFallbackSentence is the only acceptable JSON-intent answer when the context has no JSON.
const JSONFallbackSentence = "No JSON sample available in docs."

const maxEndpointLines = 6

var (
	fencedBlockRe   = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)[ \t]*\n?(.*?)```")
	endpointLineRe  = regexp.MustCompile(`(?i)^\s*[•\-*]?\s*(GET|POST|PUT|PATCH|DELETE)\s+(/\S+)\s*(?:—|–|-)?\s*(.*)$`)
	httpMethodRe    = regexp.MustCompile(`\b(GET|POST|PUT|PATCH|DELETE)\b`)
	emailRe         = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	numberedStepRe  = regexp.MustCompile(`(?m)^\s*\d+[.)]`)
	promptBaseRules = strings.TrimSpace(basePromptRules)
)

var (
	intentTemplates = map[domain.Intent]string{
		domain.IntentJSON:      `Return the JSON verbatim from the provided context with no commentary. If none exists, reply exactly: "` + JSONFallbackSentence + `"`,
		domain.IntentEndpoint:  `Answer with short bullets in the form "METHOD /path — brief purpose". At most 6 lines. If the exact endpoint is unknown, list the nearest related endpoints.`,
		domain.IntentWorkflow:  `Provide 5 to 9 numbered steps. Cite at least two distinct source titles in parentheses. Stay under 200 words.`,
		domain.IntentContact:   `Return the contact details verbatim, one per line. Do not invent addresses.`,
		domain.IntentTable:     `Return a markdown table built only from the provided content. If the table text is fragmented, reconstruct the headers and 3 to 10 rows from the context.`,
		domain.IntentErrorCode: `List at most 5 errors as "CODE — what it means — how to fix". Use a markdown table when there are more than 3.`,
		domain.IntentOneLine:   `Give the exact technical value in a code span. For headers show the full syntax. Stay under 100 words.`,
		domain.IntentDefault:   `Be concise (at most 180 words) and grounded strictly in the provided context. Prefer exact strings for endpoints, headers and codes.`,
	}
	notFoundTemplates = map[domain.Intent]string{
		domain.IntentJSON:      JSONFallbackSentence,
		domain.IntentEndpoint:  "No matching endpoint was found in the documentation for this question.",
		domain.IntentWorkflow:  "The documentation does not describe the steps for this workflow.",
		domain.IntentContact:   "No contact details were found in the documentation.",
		domain.IntentTable:     "No tabular data for this question was found in the documentation.",
		domain.IntentErrorCode: "No matching error codes were found in the documentation.",
		domain.IntentOneLine:   "The documentation does not state this value.",
		domain.IntentDefault:   "I could not find this information in the available documentation.",
	}
)

const basePromptRules = `
You are a technical documentation expert. Follow these rules strictly:
- Answer ONLY from the provided context
- Preserve exact technical terms, method names and endpoint paths
- For code and JSON: return them verbatim from the context
- If information is missing: state clearly what is not available
- Never guess and never use external knowledge
`

type Prompt struct {
	System string
	User   string
}

// PromptRouter owns the per-intent instruction, post-processing and validation contracts.
type PromptRouter struct{}

func NewPromptRouter() *PromptRouter {
	return &PromptRouter{}
}

func (r *PromptRouter) Instruction(intent domain.Intent) string {
	if tmpl, ok := intentTemplates[intent]; ok {
		return tmpl
	}
	return intentTemplates[domain.IntentDefault]
}

func (r *PromptRouter) NotFoundAnswer(intent domain.Intent) string {
	if msg, ok := notFoundTemplates[intent]; ok {
		return msg
	}
	return notFoundTemplates[domain.IntentDefault]
}

func (r *PromptRouter) BuildPrompt(intent domain.Intent, query string, passages []domain.RankedPassage) Prompt {
	var contextBlock string
	if len(passages) == 0 {
		contextBlock = "CONTEXT: (none provided)"
	} else {
		sources := make([]string, 0, len(passages))
		for i, p := range passages {
			header := fmt.Sprintf("[%d] Source %d", i+1, i+1)
			if p.Passage.DocumentTitle != "" {
				header += fmt.Sprintf(" (%s)", p.Passage.DocumentTitle)
			}
			if p.Passage.Page > 0 {
				header += fmt.Sprintf(" [Page %d]", p.Passage.Page)
			}
			sources = append(sources, header+":\n"+p.Passage.Content)
		}
		contextBlock = "CONTEXT:\n" + strings.Join(sources, "\n\n---\n\n")
	}

	system := fmt.Sprintf(`%s

INTENT: %s
INSTRUCTION: %s

%s

USER QUERY: %s

Respond according to the INTENT and INSTRUCTION above.`, promptBaseRules, intent, r.Instruction(intent), contextBlock, query)

	return Prompt{System: system, User: query}
}

// PostProcess normalizes formatting of a generated answer without changing its meaning.
func (r *PromptRouter) PostProcess(intent domain.Intent, raw string, passages []domain.RankedPassage) string {
	raw = strings.TrimSpace(raw)
	switch intent {
	case domain.IntentJSON:
		return r.postProcessJSON(raw, passages)
	case domain.IntentEndpoint:
		return postProcessEndpoints(raw)
	case domain.IntentContact:
		return postProcessContacts(raw)
	case domain.IntentTable:
		return postProcessTable(raw)
	default:
		return raw
	}
}

// postProcessJSON only ever returns JSON that exists in the context, or the fallback sentence.
func (r *PromptRouter) postProcessJSON(raw string, passages []domain.RankedPassage) string {
	var contextJSON []string
	for _, p := range passages {
		contextJSON = append(contextJSON, extractJSONSnippets(p.Passage.Content)...)
	}
	if len(contextJSON) == 0 {
		return JSONFallbackSentence
	}

	for _, candidate := range extractJSONSnippets(raw) {
		for _, known := range contextJSON {
			if sameJSON(candidate, known) {
				return fenceJSON(candidate)
			}
		}
	}
	return fenceJSON(contextJSON[0])
}

func fenceJSON(body string) string {
	return "```json\n" + strings.TrimSpace(body) + "\n```"
}

// extractJSONSnippets returns fenced JSON blocks first, then bare JSON values, in order of appearance.
func extractJSONSnippets(text string) []string {
	var out []string
	for _, m := range fencedBlockRe.FindAllStringSubmatch(text, -1) {
		lang := strings.ToLower(m[1])
		body := strings.TrimSpace(m[2])
		if lang != "" && lang != "json" {
			continue
		}
		if json.Valid([]byte(body)) && (strings.HasPrefix(body, "{") || strings.HasPrefix(body, "[")) {
			out = append(out, body)
		}
	}
	remaining := fencedBlockRe.ReplaceAllString(text, " ")
	out = append(out, findBareJSON(remaining)...)
	return out
}

func findBareJSON(text string) []string {
	var out []string
	for i := 0; i < len(text); i++ {
		if text[i] != '{' && text[i] != '[' {
			continue
		}
		end := matchingBracket(text, i)
		if end < 0 {
			continue
		}
		snippet := text[i : end+1]
		if looksLikeSample(snippet) {
			out = append(out, snippet)
			i = end
		}
	}
	return out
}

// looksLikeSample accepts a non-empty object, or an array holding objects or strings.
// Citation markers such as [1] or [2, 3] are valid JSON but not samples.
func looksLikeSample(snippet string) bool {
	var value any
	if err := json.Unmarshal([]byte(snippet), &value); err != nil {
		return false
	}
	switch v := value.(type) {
	case map[string]any:
		return len(v) > 0
	case []any:
		for _, item := range v {
			switch item.(type) {
			case map[string]any, string:
				return true
			}
		}
	}
	return false
}

func matchingBracket(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func sameJSON(a, b string) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, []byte(a)) != nil || json.Compact(&cb, []byte(b)) != nil {
		return false
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

func postProcessEndpoints(raw string) string {
	lines := strings.Split(raw, "\n")
	out := make([]string, 0, len(lines))
	bullets := 0
	for _, line := range lines {
		m := endpointLineRe.FindStringSubmatch(line)
		if m == nil {
			out = append(out, line)
			continue
		}
		if bullets == maxEndpointLines {
			continue
		}
		bullets++
		bullet := "• " + strings.ToUpper(m[1]) + " " + m[2]
		if desc := strings.TrimSpace(m[3]); desc != "" {
			bullet += " — " + desc
		}
		out = append(out, bullet)
	}
	return strings.Join(out, "\n")
}

func postProcessContacts(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		if strings.Contains(line, "@") && !strings.Contains(line, "`") {
			lines[i] = emailRe.ReplaceAllString(line, "`$0`")
		}
	}
	return strings.Join(lines, "\n")
}

func postProcessTable(raw string) string {
	if !strings.Contains(raw, "|") {
		return raw
	}
	var tableLines []string
	for _, line := range strings.Split(raw, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "|") {
			tableLines = append(tableLines, line)
		}
	}
	if len(tableLines) == 0 {
		return raw
	}
	return strings.Join(tableLines, "\n")
}

// Validate reports soft contract violations; it never blocks the answer.
func (r *PromptRouter) Validate(intent domain.Intent, response string) []string {
	var warnings []string
	switch intent {
	case domain.IntentJSON:
		if len(extractJSONSnippets(response)) == 0 && !strings.Contains(response, JSONFallbackSentence) {
			warnings = append(warnings, "expected JSON or the no-sample sentence")
		}
	case domain.IntentEndpoint:
		if !httpMethodRe.MatchString(response) {
			warnings = append(warnings, "expected HTTP method in endpoint response")
		}
		if !strings.Contains(response, "/") {
			warnings = append(warnings, "expected path in endpoint response")
		}
	case domain.IntentWorkflow:
		if len(numberedStepRe.FindAllString(response, -1)) < 3 {
			warnings = append(warnings, "expected at least 3 numbered steps")
		}
	case domain.IntentContact:
		if !strings.Contains(response, "@") {
			warnings = append(warnings, "expected email address in contact response")
		}
	case domain.IntentTable:
		if !strings.Contains(response, "|") {
			warnings = append(warnings, "expected markdown table in response")
		}
	}
	return warnings
}
