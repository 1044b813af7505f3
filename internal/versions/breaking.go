package versions

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Signature is the parameter list of an artifact's entry point.
type Signature struct {
	Found    bool
	Required []string
	Optional []string
}

// BreakingChange explains why a candidate is incompatible with its parent.
type BreakingChange struct {
	EntryPointRemoved bool     `json:"entry_point_removed,omitempty"`
	Added             []string `json:"added_required,omitempty"`
	Removed           []string `json:"removed_required,omitempty"`
}

// String renders the change for logs and API responses.
func (b *BreakingChange) String() string {
	if b == nil {
		return ""
	}
	if b.EntryPointRemoved {
		return "entry point removed"
	}
	var parts []string
	if len(b.Added) > 0 {
		parts = append(parts, "new required parameters: "+strings.Join(b.Added, ", "))
	}
	if len(b.Removed) > 0 {
		parts = append(parts, "removed required parameters: "+strings.Join(b.Removed, ", "))
	}
	return strings.Join(parts, "; ")
}

// headerPatterns find the opening of a callable definition. %s is the quoted
// entry point name; the match ends at the opening parenthesis.
var headerPatterns = []string{
	// python
	`(?m)^[ \t]*(?:async[ \t]+)?def[ \t]+%s[ \t]*\(`,
	// javascript function and arrow
	`(?m)(?:^|[\s;])(?:export[ \t]+)?(?:async[ \t]+)?function\*?[ \t]+%s[ \t]*\(`,
	`(?m)(?:const|let|var)[ \t]+%s[ \t]*=[ \t]*(?:async[ \t]*)?\(`,
	// go
	`(?m)^func[ \t]+(?:\([^)]*\)[ \t]*)?%s[ \t]*\(`,
}

// ExtractSignature finds entryPoint in artifact and splits its parameters into
// required and optional ones using lightweight text analysis. The artifact is
// never executed.
func ExtractSignature(artifact, entryPoint string) Signature {
	name := regexp.QuoteMeta(entryPoint)
	for _, pat := range headerPatterns {
		re := regexp.MustCompile(fmt.Sprintf(pat, name))
		loc := re.FindStringIndex(artifact)
		if loc == nil {
			continue
		}
		params, ok := paramList(artifact[loc[1]:])
		if !ok {
			continue
		}
		sig := Signature{Found: true}
		for _, p := range splitParams(params) {
			param, required := classifyParam(p)
			if param == "" {
				continue
			}
			if required {
				sig.Required = append(sig.Required, param)
			} else {
				sig.Optional = append(sig.Optional, param)
			}
		}
		return sig
	}
	return Signature{}
}

// DetectBreakingChange compares the entry point of two artifacts. A missing
// entry point in the old artifact is never breaking.
func DetectBreakingChange(oldArtifact, newArtifact, entryPoint string) (bool, *BreakingChange) {
	oldSig := ExtractSignature(oldArtifact, entryPoint)
	if !oldSig.Found {
		return false, nil
	}
	newSig := ExtractSignature(newArtifact, entryPoint)
	if !newSig.Found {
		return true, &BreakingChange{EntryPointRemoved: true}
	}

	added := difference(newSig.Required, oldSig.Required)
	removed := difference(oldSig.Required, newSig.Required)
	if len(added) == 0 && len(removed) == 0 {
		return false, nil
	}
	return true, &BreakingChange{Added: added, Removed: removed}
}

// paramList returns the text between the opening parenthesis (already
// consumed) and its matching close. Brackets inside string literals do not
// count.
func paramList(s string) (string, bool) {
	depth := 1
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'', '"', '`':
			i = skipString(s, i)
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth == 0 {
				return s[:i], true
			}
		}
	}
	return "", false
}

// splitParams splits on top-level commas outside string literals.
func splitParams(s string) []string {
	var out []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'', '"', '`':
			i = skipString(s, i)
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

// skipString returns the index of the quote closing the literal that opens at
// s[i], or the last index when it is unterminated. Backslash escapes are
// honoured except in backtick literals.
func skipString(s string, i int) int {
	quote := s[i]
	for j := i + 1; j < len(s); j++ {
		switch s[j] {
		case '\\':
			if quote != '`' {
				j++
			}
		case quote:
			return j
		}
	}
	return len(s) - 1
}

var identRe = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*`)

// classifyParam returns the parameter name and whether callers must pass it.
func classifyParam(p string) (string, bool) {
	p = strings.TrimSpace(p)
	if p == "" || p == "/" || p == "*" {
		return "", false
	}
	if strings.HasPrefix(p, "*") || strings.HasPrefix(p, "...") {
		// *args, **kwargs, ...rest
		return "", false
	}
	optional := strings.Contains(p, "=")
	if i := strings.IndexAny(p, ":="); i >= 0 {
		head := strings.TrimSpace(p[:i])
		if strings.HasSuffix(head, "?") {
			optional = true
			head = strings.TrimSuffix(head, "?")
		}
		p = head
	}
	name := identRe.FindString(p)
	if name == "self" || name == "cls" {
		return "", false
	}
	return name, !optional
}

func difference(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, x := range b {
		set[x] = true
	}
	var out []string
	for _, x := range a {
		if !set[x] {
			out = append(out, x)
		}
	}
	sort.Strings(out)
	return out
}
