package domain

import "strings"

type Intent string

const (
	IntentJSON      Intent = "JSON"
	IntentEndpoint  Intent = "ENDPOINT"
	IntentWorkflow  Intent = "WORKFLOW"
	IntentContact   Intent = "CONTACT"
	IntentTable     Intent = "TABLE"
	IntentErrorCode Intent = "ERROR_CODE"
	IntentOneLine   Intent = "ONE_LINE"
	IntentDefault   Intent = "DEFAULT"
)

func AllIntents() []Intent {
	return []Intent{
		IntentJSON,
		IntentEndpoint,
		IntentWorkflow,
		IntentContact,
		IntentTable,
		IntentErrorCode,
		IntentOneLine,
		IntentDefault,
	}
}

func ParseIntent(raw string) (Intent, bool) {
	candidate := Intent(strings.ToUpper(strings.TrimSpace(raw)))
	for _, intent := range AllIntents() {
		if intent == candidate {
			return intent, true
		}
	}
	return IntentDefault, false
}
