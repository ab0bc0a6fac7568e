package llm

import (
	"regexp"
	"strings"
)

var (
	mdLink     = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	mdFence    = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\n?(.*?)```")
	mdEmphasis = regexp.MustCompile("(\\*\\*|\\*|`|~~)([^*`~]+)(\\*\\*|\\*|`|~~)")
	mdLineHead = regexp.MustCompile(`(?m)^\s{0,3}(#{1,6}\s+|[-*+]\s+|>\s?)`)
	spaces     = regexp.MustCompile(`\s+`)
)

// Speakable strips the markdown chat models like to emit so that a
// text-to-speech engine does not read out asterisks and hashes. Links keep
// their label, code keeps its content and all whitespace collapses to single
// spaces. Underscores are left alone since identifiers use them.
func Speakable(text string) string {
	text = mdFence.ReplaceAllString(text, "$1")
	text = mdLink.ReplaceAllString(text, "$1")
	text = mdLineHead.ReplaceAllString(text, "")
	text = mdEmphasis.ReplaceAllString(text, "$2")
	return strings.TrimSpace(spaces.ReplaceAllString(text, " "))
}
