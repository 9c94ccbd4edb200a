package aliasing

import (
	"log/slog"
	"regexp"
	"strings"
)

type (
	// compiledAlias holds one pre-compiled label pattern and its canonical
	// domain template.
	compiledAlias struct {
		regex     *regexp.Regexp
		canonical string
		variables []string
	}

	// Resolver rewrites raw classifier labels to canonical domain names.
	// Thread-safe for concurrent use (immutable after construction).
	//
	// Rule syntax:
	//   - {variable} captures any characters except "/"
	//   - {variable*} captures any characters including "/"
	//   - Literal characters match exactly
	//   - First matching rule wins (order matters)
	Resolver struct {
		aliases []compiledAlias
	}
)

// variableRegex matches {name} or {name*} placeholders in a rule pattern.
var variableRegex = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\*?\}`)

// compileAlias converts a rule pattern to an anchored regex.
//
// Pattern: "net/{proto}" → Regex: ^net/(?P<proto>[^/]+)$.
// Pattern: "infra/{path*}" → Regex: ^infra/(?P<path>.+)$.
func compileAlias(pattern string) (*regexp.Regexp, []string, error) {
	variables := make([]string, 0, 4) //nolint:mnd // preallocate for typical rule

	// Escape regex special characters in literal parts
	escaped := regexp.QuoteMeta(pattern)
	result := escaped

	matches := variableRegex.FindAllStringSubmatch(pattern, -1)
	for _, match := range matches {
		fullMatch := match[0] // e.g., "{proto}" or "{path*}"
		varName := match[1]   // e.g., "proto" or "path"
		isGreedy := strings.HasSuffix(fullMatch, "*}")

		variables = append(variables, varName)

		var captureGroup string
		if isGreedy {
			// {var*} captures anything including slashes
			captureGroup = "(?P<" + varName + ">.+)"
		} else {
			// {var} captures anything except slashes
			captureGroup = "(?P<" + varName + ">[^/]+)"
		}

		// QuoteMeta escaped the braces, so replace the escaped form
		escapedVar := regexp.QuoteMeta(fullMatch)
		result = strings.Replace(result, escapedVar, captureGroup, 1)
	}

	// Anchor the regex to match the entire label
	result = "^" + result + "$"

	regex, err := regexp.Compile(result)
	if err != nil {
		return nil, nil, err
	}

	return regex, variables, nil
}

// substituteVariables replaces {var} placeholders in canonical with captured values.
func substituteVariables(canonical string, captures map[string]string) string {
	result := canonical

	for varName, value := range captures {
		// Replace both {var} and {var*} forms
		result = strings.ReplaceAll(result, "{"+varName+"}", value)
		result = strings.ReplaceAll(result, "{"+varName+"*}", value)
	}

	return result
}

// NewResolver creates a resolver from config with validation.
//
// Rules with an empty pattern or canonical, or with an uncompilable pattern,
// are skipped with a warning. If config is nil or has no rules, the resolver
// is a passthrough.
func NewResolver(cfg *Config) *Resolver {
	if cfg == nil || len(cfg.DomainAliases) == 0 {
		return &Resolver{aliases: []compiledAlias{}}
	}

	valid := make([]compiledAlias, 0, len(cfg.DomainAliases))

	for _, rule := range cfg.DomainAliases {
		pattern := strings.TrimSpace(rule.Pattern)
		canonical := strings.TrimSpace(rule.Canonical)

		if pattern == "" {
			slog.Warn("Skipping domain alias with empty pattern")

			continue
		}

		if canonical == "" {
			slog.Warn("Skipping domain alias with empty canonical",
				slog.String("pattern", pattern))

			continue
		}

		regex, variables, err := compileAlias(pattern)
		if err != nil {
			slog.Warn("Skipping domain alias with invalid pattern",
				slog.String("pattern", pattern),
				slog.String("error", err.Error()))

			continue
		}

		valid = append(valid, compiledAlias{
			regex:     regex,
			canonical: canonical,
			variables: variables,
		})

		slog.Debug("Compiled domain alias",
			slog.String("pattern", pattern),
			slog.String("canonical", canonical),
			slog.Int("variables", len(variables)))
	}

	return &Resolver{aliases: valid}
}

// AliasCount returns the number of compiled alias rules.
func (r *Resolver) AliasCount() int {
	if r == nil {
		return 0
	}

	return len(r.aliases)
}

// Resolve rewrites a raw classifier label to its canonical domain name.
// Returns the original label unchanged when no rule matches.
//
// Rules are evaluated in order; first match wins.
func (r *Resolver) Resolve(label string) string {
	if canonical, ok := r.Match(label); ok {
		return canonical
	}

	return label
}

// Match checks if a label matches any rule and returns the canonical domain.
// Returns (canonical, true) if matched, ("", false) if no match.
func (r *Resolver) Match(label string) (string, bool) {
	if r == nil || len(r.aliases) == 0 || label == "" {
		return "", false
	}

	for _, alias := range r.aliases {
		match := alias.regex.FindStringSubmatch(label)
		if match == nil {
			continue
		}

		captures := make(map[string]string)

		for i, name := range alias.regex.SubexpNames() {
			if i > 0 && name != "" && i < len(match) {
				captures[name] = match[i]
			}
		}

		return substituteVariables(alias.canonical, captures), true
	}

	return "", false
}
