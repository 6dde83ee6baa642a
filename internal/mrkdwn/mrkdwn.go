// Package mrkdwn converts common markdown emphasis to Slack's mrkdwn
// flavor. Fenced and inline code spans pass through untouched.
// See https://api.slack.com/reference/surfaces/formatting#basics
package mrkdwn

import (
	"regexp"
	"strings"
)

var codeSpanPattern = regexp.MustCompile("(?s)```.+?```|`[^`\n]+?`")

type rewrite struct {
	pattern *regexp.Regexp
	repl    string
	// passes > 1 reruns the rewrite to pick up matches skipped because a
	// neighboring match consumed their boundary character.
	passes int
}

var rewrites = []rewrite{
	// ***bold italic*** -> _*bold italic*_
	{regexp.MustCompile(`\*\*\*([^\s*][^*\n]*?[^\s*]|[^\s*])\*\*\*`), `_*${1}*_`, 1},
	// *italic* -> _italic_ (boundary guard keeps ** pairs intact)
	{regexp.MustCompile(`(^|[^*_])\*([^\s*][^*\n]*?[^\s*]|[^\s*])\*($|[^*_])`), `${1}_${2}_${3}`, 2},
	// **bold** -> *bold*
	{regexp.MustCompile(`\*\*([^\s*][^*\n]*?[^\s*]|[^\s*])\*\*`), `*${1}*`, 1},
	// __bold__ -> *bold*
	{regexp.MustCompile(`__([^\s_][^_\n]*?[^\s_]|[^\s_])__`), `*${1}*`, 1},
	// ~~strike~~ -> ~strike~
	{regexp.MustCompile(`~~([^\s~][^~\n]*?[^\s~]|[^\s~])~~`), `~${1}~`, 1},
}

// Convert rewrites markdown emphasis in content to Slack mrkdwn, leaving
// code spans as-is.
func Convert(content string) string {
	if content == "" {
		return ""
	}
	var out strings.Builder
	last := 0
	for _, span := range codeSpanPattern.FindAllStringIndex(content, -1) {
		out.WriteString(convertText(content[last:span[0]]))
		out.WriteString(content[span[0]:span[1]])
		last = span[1]
	}
	out.WriteString(convertText(content[last:]))
	return out.String()
}

func convertText(text string) string {
	if text == "" {
		return ""
	}
	for _, rw := range rewrites {
		passes := rw.passes
		if passes < 1 {
			passes = 1
		}
		for i := 0; i < passes; i++ {
			text = rw.pattern.ReplaceAllString(text, rw.repl)
		}
	}
	return text
}
