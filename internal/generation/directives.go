package generation

import (
	"regexp"
	"strings"
)

var sendImagePattern = regexp.MustCompile(`SEND_IMAGE:\s*([A-Za-z0-9_\-]+)`)

// ParseDirectives extracts inline directives from generated text and returns
// the text with the markers removed. Lines that held only a marker are
// dropped so paragraph structure survives for chunking.
func ParseDirectives(text string) (string, []Directive) {
	matches := sendImagePattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return text, nil
	}

	directives := make([]Directive, 0, len(matches))
	for _, m := range matches {
		directives = append(directives, Directive{
			Kind:      DirectiveSendImage,
			ProductID: m[1],
		})
	}

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		cleaned := sendImagePattern.ReplaceAllString(line, "")
		if strings.TrimSpace(line) != "" && strings.TrimSpace(cleaned) == "" {
			continue
		}
		kept = append(kept, strings.Join(strings.Fields(cleaned), " "))
	}
	return strings.TrimSpace(strings.Join(kept, "\n")), directives
}
