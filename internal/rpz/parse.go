// Package rpz parses blocklist bodies into domain sets and renders them as
// response-policy zone files.
package rpz

import (
	"bufio"
	"bytes"
	"net"
	"strings"

	"github.com/powerblockade/powerblockade/internal/model"
)

// NormalizeDomain canonicalizes a candidate domain: lowercase, leading "*."
// and trailing "." stripped. The empty string is returned for anything that
// is not a plain domain (whitespace, paths, adblock option syntax).
func NormalizeDomain(raw string) string {
	d := strings.ToLower(strings.TrimSpace(raw))
	d = strings.TrimPrefix(d, "*.")
	d = strings.TrimSuffix(d, ".")
	if d == "" {
		return ""
	}
	if strings.ContainsAny(d, " \t/[*") {
		return ""
	}
	return d
}

func isCommentLine(line string) bool {
	switch line[0] {
	case '#', ';', '!':
		return true
	}
	return false
}

func stripInlineComment(line string) string {
	if i := strings.IndexAny(line, "#;"); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

// ParseList extracts the domain set from a list body according to its format.
// Unparsable lines are skipped, never fatal. The returned slice is
// deduplicated but unsorted.
func ParseList(body []byte, format model.BlocklistFormat) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(raw string) {
		d := NormalizeDomain(raw)
		if d == "" {
			return
		}
		if _, dup := seen[d]; dup {
			return
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}

	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || isCommentLine(line) {
			continue
		}
		switch format {
		case model.FormatHosts:
			line = stripInlineComment(line)
			fields := strings.Fields(line)
			// A hosts line is "<ip> <name>..."; anything else is noise.
			if len(fields) >= 2 && net.ParseIP(fields[0]) != nil {
				add(fields[1])
			}
		case model.FormatAdblock:
			if strings.ContainsAny(line, "$/[") || strings.Contains(line, "://") {
				continue
			}
			line = strings.TrimPrefix(line, "||")
			line = strings.TrimSuffix(line, "^")
			if strings.Contains(line, "*") {
				continue
			}
			add(line)
		default: // domains
			line = stripInlineComment(line)
			add(line)
		}
	}
	return out
}
