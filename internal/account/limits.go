package account

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
)

// LimitRule caps daily usage for every path matching Route.
// Route is either "*" or a regex anchored at the start of the path.
type LimitRule struct {
	Route string `json:"route"`
	Limit int    `json:"limit"`
}

// Limits is an ordered list of limit rules. The first matching rule wins,
// so order is significant and preserved through JSON.
type Limits []LimitRule

// Usage counts requests per limit bucket (the matched route, or "*").
type Usage map[string]int

func (u Usage) Total() int {
	total := 0
	for _, n := range u {
		total += n
	}
	return total
}

// UnmarshalJSON accepts either the list form
// [{"route": "^/api/wb", "limit": 500}, ...] or a plain JSON object
// {"^/api/wb": 500, ...} whose key order is preserved.
func (l *Limits) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		*l = nil
		return nil
	}
	if trimmed[0] == '[' {
		var rules []LimitRule
		if err := json.Unmarshal(trimmed, &rules); err != nil {
			return err
		}
		*l = rules
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("limits: expected object or array")
	}
	var rules Limits
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		route, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("limits: non-string key")
		}
		var limit int
		if err := dec.Decode(&limit); err != nil {
			return fmt.Errorf("limits[%s]: %w", route, err)
		}
		rules = append(rules, LimitRule{Route: route, Limit: limit})
	}
	*l = rules
	return nil
}

// Bucket returns the usage bucket for path: the first matching route,
// or "*" when nothing matches or no limits are defined.
func (l Limits) Bucket(path string) string {
	for _, rule := range l {
		if matchRoute(rule.Route, path) {
			return rule.Route
		}
	}
	return "*"
}

// Exceeded reports whether the first limit rule matching path is used up.
func (l Limits) Exceeded(usage Usage, path string) bool {
	for _, rule := range l {
		if matchRoute(rule.Route, path) {
			return usage[rule.Route] >= rule.Limit
		}
	}
	return false
}

func (l Limits) validate() error {
	for _, rule := range l {
		if rule.Route == "*" {
			continue
		}
		if _, err := compileRoute(rule.Route); err != nil {
			return fmt.Errorf("limit route %q: %w", rule.Route, err)
		}
	}
	return nil
}

// Route regexes are matched case-insensitively and anchored at the start
// of the path. Compiled patterns are cached process-wide.
var routeRegexps sync.Map // route string → *regexp.Regexp

func compileRoute(route string) (*regexp.Regexp, error) {
	if cached, ok := routeRegexps.Load(route); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(`(?i)` + route)
	if err != nil {
		return nil, err
	}
	routeRegexps.Store(route, re)
	return re, nil
}

func matchRoute(route, path string) bool {
	if route == "*" {
		return true
	}
	re, err := compileRoute(route)
	if err != nil {
		return false
	}
	loc := re.FindStringIndex(path)
	return loc != nil && loc[0] == 0
}
