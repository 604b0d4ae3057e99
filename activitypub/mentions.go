package activitypub

import (
	"regexp"
	"strings"
)

var mentionRegex = regexp.MustCompile(`@(?P<name>[\w.]+)@(?P<domain>[a-zA-Z0-9._:-]+)`)

// Mention is an "@name@domain" reference found in content.
type Mention struct {
	Name   string
	Domain string
}

func (m Mention) IsLocal(localDomain string) bool {
	return strings.EqualFold(m.Domain, localDomain)
}

// ScrapeMentions returns the distinct mentions in text, in order of appearance.
func ScrapeMentions(text string) []Mention {
	var mentions []Mention
	seen := make(map[string]bool)
	for _, match := range mentionRegex.FindAllStringSubmatch(text, -1) {
		m := Mention{Name: match[1], Domain: strings.ToLower(strings.TrimRight(match[2], ".:"))}
		key := strings.ToLower(m.Name) + "@" + m.Domain
		if seen[key] {
			continue
		}
		seen[key] = true
		mentions = append(mentions, m)
	}
	return mentions
}
