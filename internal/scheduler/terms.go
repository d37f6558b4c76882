package scheduler

import (
	"strings"

	"github.com/socialwatch/sentinel/internal/monitor"
)

// TermCaps bound the search terms issued per tick.
type TermCaps struct {
	Keywords int `mapstructure:"keywords"`
	Hashtags int `mapstructure:"hashtags"`
	Total    int `mapstructure:"total"`
}

// SearchTerms returns the topic, then up to caps.Keywords keywords, then up
// to caps.Hashtags hashtags, with at most caps.Total entries. Duplicates
// are dropped case-insensitively and do not consume a slot.
func SearchTerms(c monitor.Campaign, caps TermCaps) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(t string) bool {
		t = strings.TrimSpace(t)
		if t == "" || t == "#" || len(out) >= caps.Total {
			return false
		}
		k := strings.ToLower(t)
		if _, ok := seen[k]; ok {
			return false
		}
		seen[k] = struct{}{}
		out = append(out, t)
		return true
	}

	add(c.Topic)
	taken := 0
	for _, k := range c.Keywords {
		if taken >= caps.Keywords {
			break
		}
		if add(k) {
			taken++
		}
	}
	taken = 0
	for _, h := range c.Hashtags {
		if taken >= caps.Hashtags {
			break
		}
		h = strings.TrimSpace(h)
		if h != "" && !strings.HasPrefix(h, "#") {
			h = "#" + h
		}
		if add(h) {
			taken++
		}
	}
	return out
}
