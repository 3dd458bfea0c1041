package agent

import "regexp"

var fencedBlockRe = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\\n?(.*?)```")

// extractCodeBlocks returns the contents of every fenced code block in
// content, in order of appearance.
func extractCodeBlocks(content string) []string {
	matches := fencedBlockRe.FindAllStringSubmatch(content, -1)
	if matches == nil {
		return nil
	}
	blocks := make([]string, 0, len(matches))
	for _, m := range matches {
		blocks = append(blocks, m[1])
	}
	return blocks
}

// reasoningTagRe matches each tag pair as its own alternative, with the
// body restricted to non-"<" characters, rather than independently
// alternating the open/close names over an unbounded `.*?` — Go's RE2
// engine has no backreferences, so `<(thinking|reasoning)>.*?</(thinking|reasoning)>`
// would match a mismatched pair like <thinking>...</reasoning>, and even a
// same-name-only `.*?` would still span past an intervening tag looking
// for its next same-name close. Excluding "<" from the body means a match
// can never cross into another tag at all.
var reasoningTagRe = regexp.MustCompile(`<thinking>[^<]*</thinking>|<reasoning>[^<]*</reasoning>`)

// stripReasoningTags removes <thinking>/<reasoning> scaffolding before the
// bare-string fallback of spec.md §4.4 step 4 treats the remainder as the
// return value.
func stripReasoningTags(content string) string {
	return reasoningTagRe.ReplaceAllString(content, "")
}
