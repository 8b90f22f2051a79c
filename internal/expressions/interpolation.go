package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/orchestra/internal/secrets"
	"github.com/rendis/orchestra/pkg/ambiance"
	"github.com/rendis/orchestra/pkg/schema"
)

const (
	tokenOpen    = "<+"
	tokenClose   = '>'
	secretPrefix = "secrets."
	secretMask   = "******"
)

// Interpolator resolves <+expression> tokens in step parameters.
//
// A parameter that is exactly one token keeps the type of the result;
// tokens embedded in a longer string are rendered inline. <+secrets.NAME>
// is resolved through the vault, narrowest setup scope first, and never
// reaches the expression engine.
type Interpolator struct {
	expr  *ExprEngine
	vault secrets.Vault
}

// NewInterpolator creates an Interpolator. vault may be nil, in which case
// secret references fail.
func NewInterpolator(expr *ExprEngine, vault secrets.Vault) *Interpolator {
	if expr == nil {
		expr = NewExprEngine()
	}
	return &Interpolator{expr: expr, vault: vault}
}

// Resolve returns params with every token evaluated, plus a copy in which
// secret values are masked for persistence.
func (in *Interpolator) Resolve(ctx context.Context, params map[string]any, scope *Scope) (resolved, masked map[string]any, err error) {
	if params == nil {
		return nil, nil, nil
	}
	var amb ambiance.Ambiance
	if scope != nil {
		amb = scope.Ambiance
	}
	rs := &resolution{in: in, vars: scope.Vars(), amb: amb}
	r, m, err := rs.resolveValue(ctx, params)
	if err != nil {
		return nil, nil, err
	}
	return r.(map[string]any), m.(map[string]any), nil
}

// HasExpressions reports whether v contains any token.
func HasExpressions(v any) bool {
	switch val := v.(type) {
	case string:
		return strings.Contains(val, tokenOpen)
	case map[string]any:
		for _, item := range val {
			if HasExpressions(item) {
				return true
			}
		}
	case []any:
		for _, item := range val {
			if HasExpressions(item) {
				return true
			}
		}
	}
	return false
}

// resolution carries the per-call state of Resolve.
type resolution struct {
	in   *Interpolator
	vars map[string]any
	amb  ambiance.Ambiance
}

func (rs *resolution) resolveValue(ctx context.Context, v any) (any, any, error) {
	switch val := v.(type) {
	case string:
		return rs.resolveString(ctx, val)
	case map[string]any:
		out := make(map[string]any, len(val))
		mask := make(map[string]any, len(val))
		for k, item := range val {
			r, m, err := rs.resolveValue(ctx, item)
			if err != nil {
				return nil, nil, err
			}
			out[k], mask[k] = r, m
		}
		return out, mask, nil
	case []any:
		out := make([]any, len(val))
		mask := make([]any, len(val))
		for i, item := range val {
			r, m, err := rs.resolveValue(ctx, item)
			if err != nil {
				return nil, nil, err
			}
			out[i], mask[i] = r, m
		}
		return out, mask, nil
	default:
		return v, v, nil
	}
}

func (rs *resolution) resolveString(ctx context.Context, s string) (any, any, error) {
	if !strings.Contains(s, tokenOpen) {
		return s, s, nil
	}

	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, tokenOpen) && trimmed[len(trimmed)-1] == tokenClose &&
		strings.Count(trimmed, tokenOpen) == 1 {
		return rs.evalToken(ctx, trimmed[len(tokenOpen):len(trimmed)-1])
	}

	var out, mask strings.Builder
	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], tokenOpen)
		if idx == -1 {
			out.WriteString(s[i:])
			mask.WriteString(s[i:])
			break
		}
		out.WriteString(s[i : i+idx])
		mask.WriteString(s[i : i+idx])

		start := i + idx + len(tokenOpen)
		end := closingIndex(s, start)
		if end == -1 {
			return nil, nil, schema.NewErrorf(schema.ErrCodeInterpolation, "unclosed <+ expression in %q", s)
		}

		val, masked, err := rs.evalToken(ctx, s[start:end])
		if err != nil {
			return nil, nil, err
		}
		out.WriteString(inline(val))
		mask.WriteString(inline(masked))
		i = end + 1
	}
	return out.String(), mask.String(), nil
}

func (rs *resolution) evalToken(ctx context.Context, raw string) (any, any, error) {
	expression := strings.TrimSpace(raw)
	if expression == "" {
		return nil, nil, schema.NewError(schema.ErrCodeInterpolation, "empty expression: <+>")
	}
	if strings.Contains(expression, tokenOpen) {
		return nil, nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"nested expressions are not allowed in <+%s>", expression)
	}

	if name, ok := strings.CutPrefix(expression, secretPrefix); ok && isIdentifier(name) {
		val, err := rs.in.resolveSecret(ctx, rs.amb, name)
		if err != nil {
			return nil, nil, err
		}
		return val, secretMask, nil
	}

	val, err := rs.in.expr.Evaluate(ctx, expression, rs.vars)
	if err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve <+%s>: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return val, val, nil
}

func (in *Interpolator) resolveSecret(ctx context.Context, amb ambiance.Ambiance, name string) (string, error) {
	if in.vault == nil {
		return "", schema.NewErrorf(schema.ErrCodeVault, "secret %q referenced but no vault is configured", name)
	}
	b, err := secrets.ResolveScoped(ctx, in.vault, amb, name)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeVault, "resolve secret %q: %s", name, err.Error()).WithCause(err)
	}
	return string(b), nil
}

// closingIndex finds the '>' that closes a token starting at start. A '>'
// inside a quoted string literal does not count.
func closingIndex(s string, start int) int {
	var quote byte
	for j := start; j < len(s); j++ {
		c := s[j]
		switch {
		case quote != 0:
			if c == '\\' {
				j++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'' || c == '`':
			quote = c
		case c == tokenClose:
			return j
		}
	}
	return -1
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '_' || r == '-' || r == '.' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return true
}

// inline renders a resolved value inside a larger string.
func inline(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
