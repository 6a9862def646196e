// Package markup turns assistant Markdown into plain text suitable for a chat
// bubble, since LINE text messages render Markdown literally.
package markup

import "regexp"

// rule is one rewrite applied by Strip. Rules run in slice order.
type rule struct {
	re   *regexp.Regexp
	repl string
}

var rules = []rule{
	{regexp.MustCompile(`\*\*(.+?)\*\*`), "$1"},                    // bold
	{regexp.MustCompile(`\*(.+?)\*`), "$1"},                        // italic
	{regexp.MustCompile(`(?m)^#+[ \t]+`), ""},                      // headings
	{regexp.MustCompile(`\[([^\]\n]*)\]\(([^)\n]*)\)`), "$1 ($2)"}, // links
	{regexp.MustCompile("(?s)```(.*?)```"), "$1"},                  // fenced code
	{regexp.MustCompile("`([^`\n]+)`"), "$1"},                      // inline code
	{regexp.MustCompile(`(?m)^> ?`), ""},                           // block quotes
}

// Strip removes Markdown emphasis, headings, links, code markers, and quote
// markers from text.
//
// Every rule strictly shortens its match, so the passes are repeated until
// nothing changes; the result is a fixed point, which makes Strip idempotent
// even for nested input such as "***x***" or "> > quote".
func Strip(text string) string {
	for {
		out := text
		for _, r := range rules {
			out = r.re.ReplaceAllString(out, r.repl)
		}
		if out == text {
			return out
		}
		text = out
	}
}
