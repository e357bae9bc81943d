package llm

import (
	"regexp"
	"strings"
)

// fencedBlockRE matches a complete ``` ... ``` block, optionally tagged
// with a language hint on the opening fence.
var fencedBlockRE = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\\n(.*?)```")

// isolatedFenceRE matches a bare fence line with no closing partner,
// used only as a last-resort strip when no closed block exists.
var isolatedFenceRE = regexp.MustCompile("(?m)^\\s*```[a-zA-Z0-9_+-]*\\s*$")

// ExtractCodeBlock returns the longest fenced code block in text. If
// no closed fence pair exists, it falls back to the trimmed text with
// any isolated (unpaired) fence lines stripped — a deliberate
// extension beyond the reference client's single first-match regex,
// since an LLM occasionally emits an opening fence with no closing
// one on large-file responses.
func ExtractCodeBlock(text string) string {
	matches := fencedBlockRE.FindAllStringSubmatch(text, -1)
	if len(matches) > 0 {
		longest := matches[0][1]
		for _, m := range matches[1:] {
			if len(m[1]) > len(longest) {
				longest = m[1]
			}
		}
		return strings.TrimSpace(longest)
	}
	stripped := isolatedFenceRE.ReplaceAllString(text, "")
	return strings.TrimSpace(stripped)
}
