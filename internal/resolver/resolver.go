// Package resolver fills open step parameters from the query text using an
// ordered table of deterministic extraction rules.
package resolver

import (
	"regexp"
	"strings"

	"github.com/taskweave/taskweave"
	"github.com/taskweave/taskweave/internal/registry"
)

// Rule is one deterministic extraction rule. Rules for the same parameter
// are tried in table order; the first match wins.
type Rule struct {
	// Param is the parameter name this rule can fill.
	Param string

	// Name identifies the rule in logs and tests.
	Name string

	// Extract returns the extracted value and whether the rule matched.
	Extract func(query string) (any, bool)
}

var (
	ownerRepoRe    = regexp.MustCompile(`(?i)(?:in|for|from)\s+(?:repo\s+)?([A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+)`)
	quotedTitleRe  = regexp.MustCompile(`["']([^"']+)["']`)
	keywordTitleRe = regexp.MustCompile(`(?i)\b(?:titled|called|named|issue\s+(?:about|for))\s+(.+?)\s*$`)
	cityInForRe    = regexp.MustCompile(`(?i)\b(?:in|for)\s+([A-Za-z][A-Za-z\s.'-]*?)\s*(?:[?.!,]|$)`)
	cityWeatherRe  = regexp.MustCompile(`(?i)\b([A-Za-z][A-Za-z\s.'-]*?)\s+weather\b`)
	capitalizedRe  = regexp.MustCompile(`\b([A-Z][a-z]+(?:\s+[A-Z][a-z]+)*)\b`)
	filePathRe     = regexp.MustCompile(`(?i)\b(?:file|path)\s+(\S+)`)
)

// cityAbbreviations maps common short forms to canonical city names.
var cityAbbreviations = map[string]string{
	"nyc": "New York",
	"sf":  "San Francisco",
	"la":  "Los Angeles",
}

// cityStopwords are capitalized words that are never city names.
var cityStopwords = map[string]bool{
	"What": true, "Whats": true, "How": true, "Is": true, "The": true,
	"Weather": true, "Temperature": true, "Forecast": true, "Today": true,
	"Tell": true, "Me": true, "Please": true, "Current": true,
}

// DefaultRules returns the standard extraction rule table, in priority order.
func DefaultRules() []Rule {
	return []Rule{
		{Param: "owner", Name: "owner_repo_pattern", Extract: func(q string) (any, bool) {
			if m := ownerRepoRe.FindStringSubmatch(q); m != nil {
				parts := strings.SplitN(m[1], "/", 2)
				return parts[0], true
			}
			return nil, false
		}},
		{Param: "repo", Name: "owner_repo_pattern", Extract: func(q string) (any, bool) {
			if m := ownerRepoRe.FindStringSubmatch(q); m != nil {
				parts := strings.SplitN(m[1], "/", 2)
				return parts[1], true
			}
			return nil, false
		}},
		{Param: "title", Name: "quoted_title", Extract: func(q string) (any, bool) {
			if m := quotedTitleRe.FindStringSubmatch(q); m != nil {
				return strings.TrimSpace(m[1]), true
			}
			return nil, false
		}},
		{Param: "title", Name: "keyword_title", Extract: func(q string) (any, bool) {
			if m := keywordTitleRe.FindStringSubmatch(q); m != nil {
				title := strings.TrimSpace(m[1])
				// Strip trailing repo references picked up by the greedy tail.
				if loc := ownerRepoRe.FindStringIndex(title); loc != nil {
					title = strings.TrimSpace(title[:loc[0]])
				}
				if title != "" {
					return title, true
				}
			}
			return nil, false
		}},
		{Param: "city", Name: "city_in_for", Extract: func(q string) (any, bool) {
			if m := cityInForRe.FindStringSubmatch(q); m != nil {
				return normalizeCity(m[1]), true
			}
			return nil, false
		}},
		{Param: "city", Name: "city_before_weather", Extract: func(q string) (any, bool) {
			if m := cityWeatherRe.FindStringSubmatch(q); m != nil {
				city := strings.TrimSpace(m[1])
				// Drop leading filler words so "whats the Paris weather" yields "Paris".
				words := strings.Fields(city)
				for len(words) > 0 && cityStopwords[capitalize(words[0])] {
					words = words[1:]
				}
				if len(words) > 0 {
					return normalizeCity(strings.Join(words, " ")), true
				}
			}
			return nil, false
		}},
		{Param: "city", Name: "city_capitalized", Extract: func(q string) (any, bool) {
			for _, m := range capitalizedRe.FindAllStringSubmatch(q, -1) {
				if !cityStopwords[strings.Fields(m[1])[0]] {
					return m[1], true
				}
			}
			return nil, false
		}},
		{Param: "city", Name: "city_abbreviation", Extract: func(q string) (any, bool) {
			for _, word := range strings.Fields(strings.ToLower(q)) {
				word = strings.Trim(word, "?.!,")
				if city, ok := cityAbbreviations[word]; ok {
					return city, true
				}
			}
			return nil, false
		}},
		{Param: "path", Name: "file_path", Extract: func(q string) (any, bool) {
			if m := filePathRe.FindStringSubmatch(q); m != nil {
				return strings.Trim(m[1], "?.!,"), true
			}
			return nil, false
		}},
		{Param: "query", Name: "search_whole_query", Extract: func(q string) (any, bool) {
			q = strings.TrimSpace(q)
			if q == "" {
				return nil, false
			}
			return q, true
		}},
		{Param: "body", Name: "body_from_query", Extract: func(q string) (any, bool) {
			q = strings.TrimSpace(q)
			if q == "" {
				return nil, false
			}
			return "Created from request: " + q, true
		}},
	}
}

func normalizeCity(city string) string {
	city = strings.TrimSpace(city)
	if canonical, ok := cityAbbreviations[strings.ToLower(city)]; ok {
		return canonical
	}
	return city
}

func capitalize(word string) string {
	if word == "" {
		return word
	}
	return strings.ToUpper(word[:1]) + word[1:]
}

// Resolver fills placeholder parameters against the registry's tool specs.
// It is pure: Resolve never mutates its input step and has no side effects.
type Resolver struct {
	registry *registry.Registry
	rules    []Rule
}

// New creates a Resolver with the default rule table.
func New(reg *registry.Registry) *Resolver {
	return &Resolver{registry: reg, rules: DefaultRules()}
}

// NewWithRules creates a Resolver with a custom rule table.
func NewWithRules(reg *registry.Registry, rules []Rule) *Resolver {
	return &Resolver{registry: reg, rules: rules}
}

// Resolve returns a copy of the step with every placeholder parameter
// filled from the query. Resolution order per parameter: plan-provided
// value, first matching rule, spec default. A required parameter that
// stays open fails with MISSING_PARAMETER naming the parameter.
func (r *Resolver) Resolve(step taskweave.Step, queryContext string) (taskweave.Step, error) {
	spec, ok := r.registry.Get(step.ToolName)
	if !ok {
		return step, taskweave.NewToolNotFoundError("resolution", step.ToolName)
	}

	resolved := step.Clone()

	for _, param := range spec.Params {
		src, present := resolved.Params[param.Name]
		if present && src.Type != taskweave.ParamSourcePlaceholder {
			continue
		}

		if value, ok := r.extract(param.Name, queryContext); ok {
			resolved.Params[param.Name] = taskweave.Literal(value)
			continue
		}

		if param.Default != nil {
			resolved.Params[param.Name] = taskweave.Literal(param.Default)
			continue
		}

		if param.Required {
			return step, taskweave.NewMissingParameterError("resolution", step.ID, param.Name)
		}

		delete(resolved.Params, param.Name)
	}

	return resolved, nil
}

// extract runs the rule table for one parameter name.
func (r *Resolver) extract(param, query string) (any, bool) {
	for _, rule := range r.rules {
		if rule.Param != param {
			continue
		}
		if value, ok := rule.Extract(query); ok {
			return value, true
		}
	}
	return nil, false
}
