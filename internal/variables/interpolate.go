package variables

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/itchyny/gojq"
)

// Mode controls how interpolation handles an unresolvable reference.
type Mode int

const (
	// Strict returns an error on the first unresolved "${...}" reference.
	Strict Mode = iota
	// NonStrict leaves an unresolved "${...}" reference in place verbatim,
	// so a template containing tokens meant for a later consumer (another
	// templating pass, a shell heredoc) survives interpolation untouched.
	NonStrict
)

// UnresolvedError is returned in Strict mode when a reference cannot be
// resolved against the context or any dynamic resolver.
type UnresolvedError struct {
	Ref string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("variables: unresolved reference %q", e.Ref)
}

// Interpolator resolves "${...}" references in strings against a Context,
// optionally dispatching to dynamic resolvers (env., file:, cmd:, date:,
// uuid).
type Interpolator struct {
	ctx  *Context
	mode Mode
}

// New creates an Interpolator bound to ctx, evaluating in the given mode.
func NewInterpolator(ctx *Context, mode Mode) *Interpolator {
	return &Interpolator{ctx: ctx, mode: mode}
}

// Interpolate scans s for variable references and replaces each with its
// resolved string value. Both forms are recognised: braced "${...}" (full
// resolver syntax) and unbraced "$name"/"$1" (plain context lookup, e.g.
// positional arguments in "cp $1 $2"). A reference that fails to resolve
// is left in place verbatim in NonStrict mode, or aborts with
// *UnresolvedError in Strict mode.
func (in *Interpolator) Interpolate(s string) (string, error) {
	var b strings.Builder
	i := 0
	for i < len(s) {
		start := strings.IndexByte(s[i:], '$')
		if start < 0 {
			b.WriteString(s[i:])
			break
		}
		start += i
		b.WriteString(s[i:start])

		if start+1 < len(s) && s[start+1] == '{' {
			end := matchingBrace(s, start+2)
			if end < 0 {
				// Unbalanced reference: emit verbatim and stop scanning.
				b.WriteString(s[start:])
				break
			}

			ref := s[start+2 : end]
			val, err := in.Resolve(ref)
			if err != nil {
				if in.mode == Strict {
					return "", err
				}
				// Leave the unresolved token exactly as written.
				b.WriteString(s[start : end+1])
				i = end + 1
				continue
			}
			b.WriteString(ToString(val))
			i = end + 1
			continue
		}

		// Unbraced form: "$1", "$ARG_2", "$name". The reference runs to
		// the end of the identifier and resolves against the context
		// only, never the dynamic resolvers.
		end := start + 1
		for end < len(s) && isIdentByte(s[end]) {
			end++
		}
		if end == start+1 {
			// A bare '$' with no identifier is literal text.
			b.WriteByte('$')
			i = start + 1
			continue
		}

		name := s[start+1 : end]
		if val, ok := in.ctx.Lookup(name); ok {
			b.WriteString(ToString(val))
		} else {
			if in.mode == Strict {
				return "", &UnresolvedError{Ref: name}
			}
			b.WriteString(s[start:end])
		}
		i = end
	}
	return b.String(), nil
}

func isIdentByte(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// matchingBrace finds the '}' matching the '{' implicitly opened at
// "${"[start index is the char right after "${"]. Supports nested ${...}
// inside resolver arguments (e.g. "${file:${dir}/out.json}").
func matchingBrace(s string, start int) int {
	depth := 1
	i := start
	for i < len(s) {
		switch {
		case strings.HasPrefix(s[i:], "${"):
			depth++
			i += 2
			continue
		case s[i] == '}':
			depth--
			if depth == 0 {
				return i
			}
		}
		i++
	}
	return -1
}

// Resolve looks up a single reference body (the text between "${" and "}")
// against dynamic resolvers first, then the variable context.
func (in *Interpolator) Resolve(ref string) (any, error) {
	ref = strings.TrimSpace(ref)

	// Nested references inside the ref body are expanded first.
	expanded, err := in.Interpolate(ref)
	if err != nil {
		return nil, err
	}
	ref = expanded

	if v, ok, err := in.resolveDynamic(ref); ok {
		return v, err
	}

	if v, ok := in.ctx.Lookup(ref); ok {
		return v, nil
	}

	return nil, &UnresolvedError{Ref: ref}
}

// resolveDynamic dispatches env./file:/cmd:/date:/uuid prefixes and the bare
// "json_path(...)" helper. ok is false when ref matches none of these, in
// which case the caller falls back to variable-context lookup.
func (in *Interpolator) resolveDynamic(ref string) (value any, ok bool, err error) {
	switch {
	case ref == "uuid":
		return uuid.NewString(), true, nil

	case strings.HasPrefix(ref, "env."):
		name := strings.TrimPrefix(ref, "env.")
		v, present := os.LookupEnv(name)
		if !present {
			return nil, true, &UnresolvedError{Ref: ref}
		}
		return v, true, nil

	case strings.HasPrefix(ref, "file:"):
		path := strings.TrimPrefix(ref, "file:")
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			return nil, true, fmt.Errorf("variables: reading %q: %w", path, rerr)
		}
		return strings.TrimRight(string(data), "\n"), true, nil

	case strings.HasPrefix(ref, "cmd:"):
		command := strings.TrimPrefix(ref, "cmd:")
		out, cerr := exec.Command("sh", "-c", command).Output()
		if cerr != nil {
			return nil, true, fmt.Errorf("variables: running %q: %w", command, cerr)
		}
		return strings.TrimRight(string(out), "\n"), true, nil

	case strings.HasPrefix(ref, "date:"):
		layout := goLayout(strings.TrimPrefix(ref, "date:"))
		return time.Now().UTC().Format(layout), true, nil

	case strings.HasPrefix(ref, "json_path:"):
		rest := strings.TrimPrefix(ref, "json_path:")
		path, query, found := strings.Cut(rest, "|")
		if !found {
			return nil, true, fmt.Errorf("variables: json_path reference %q must be \"source|.query\"", ref)
		}
		src, lookupOK := in.ctx.Lookup(strings.TrimSpace(path))
		if !lookupOK {
			return nil, true, &UnresolvedError{Ref: ref}
		}
		v, jerr := JSONPath(src, strings.TrimSpace(query))
		return v, true, jerr

	default:
		return nil, false, nil
	}
}

// goLayout converts a small set of strftime-ish tokens used by the original
// implementation's "date:%Y-%m-%d" style references into Go's reference-time
// layout. Unrecognised input is returned unchanged, allowing callers to pass
// a literal Go layout directly.
func goLayout(spec string) string {
	replacements := []struct{ from, to string }{
		{"%Y", "2006"}, {"%m", "01"}, {"%d", "02"},
		{"%H", "15"}, {"%M", "04"}, {"%S", "05"},
	}
	out := spec
	for _, r := range replacements {
		out = strings.ReplaceAll(out, r.from, r.to)
	}
	return out
}

// JSONPath evaluates a gojq query against an already-decoded Go value (as
// produced by encoding/json.Unmarshal into any). Returns the first result.
func JSONPath(v any, query string) (any, error) {
	q, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("variables: parsing json_path query %q: %w", query, err)
	}
	iter := q.Run(v)
	result, hasResult := iter.Next()
	if !hasResult {
		return nil, fmt.Errorf("variables: json_path query %q produced no result", query)
	}
	if err, isErr := result.(error); isErr {
		return nil, fmt.Errorf("variables: evaluating json_path query %q: %w", query, err)
	}
	return result, nil
}

// ToString renders a resolved value for substitution into an interpolated
// string. Strings pass through unchanged; an array of strings joins with
// commas; any other composite value renders as compact JSON so a captured
// object survives a round trip through a shell argument.
func ToString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case []any:
		if strs, ok := allStrings(t); ok {
			return strings.Join(strs, ",")
		}
		return compactJSON(t)
	case map[string]any:
		return compactJSON(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func allStrings(vs []any) ([]string, bool) {
	out := make([]string, len(vs))
	for i, v := range vs {
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		out[i] = s
	}
	return out, true
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
