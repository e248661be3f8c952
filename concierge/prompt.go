package concierge

import (
	"fmt"
	"os"
	"strings"
)

const unitPlaceholder = "{{unit}}"

const defaultInstructions = `You are the voice concierge at the building entrance. The visitor has already dialed unit {{unit}}; do not ask for it again.
Ask for the visitor's name, id and reason for the visit, save them, look up the residents of the unit and notify them.
Wait for the resident's decision before telling the visitor whether they may enter. Keep every answer short.`

const defaultGreeting = "The visitor already dialed unit {{unit}}. Greet them briefly and ask for their name."

// LoadInstructions reads an instruction template from path, falling back to
// the built-in one when path is empty.
func LoadInstructions(path string) (string, error) {
	if path == "" {
		return defaultInstructions, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("instructions: %w", err)
	}
	return string(b), nil
}

func render(tmpl, unit string) string {
	return strings.ReplaceAll(tmpl, unitPlaceholder, unit)
}

func decisionText(approved bool) string {
	verdict := "REJECTED: the visitor must not enter"
	if approved {
		verdict = "APPROVED: the visitor may enter"
	}
	return fmt.Sprintf("The resident has answered. The visit was %s. Tell the visitor now and close the conversation.", verdict)
}
