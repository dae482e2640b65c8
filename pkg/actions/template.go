package actions

import (
	"fmt"
	"strings"
	"text/template"

	"go.starlark.net/starlark"

	"github.com/hpg/hpg/pkg/script"
)

// renderTemplate expands source text against a context mapping. The contract
// exposed to scripts is exactly "source text + context mapping -> rendered
// text"; the engine behind it is text/template.
func renderTemplate(name, src string, ctx starlark.Value) (string, error) {
	var data map[string]any
	if ctx != nil && ctx != starlark.None {
		gv, err := script.FromStarlark(ctx)
		if err != nil {
			return "", fmt.Errorf("template context: %w", err)
		}
		m, ok := gv.(map[string]any)
		if !ok {
			return "", fmt.Errorf("template context must be a dict, got %s", ctx.Type())
		}
		data = m
	}

	tpl, err := template.New(name).Option("missingkey=error").Parse(src)
	if err != nil {
		return "", fmt.Errorf("parsing template %s: %w", name, err)
	}
	var out strings.Builder
	if err := tpl.Execute(&out, data); err != nil {
		return "", fmt.Errorf("rendering template %s: %w", name, err)
	}
	return out.String(), nil
}

// builtinTmpl implements tmpl(text, context?) -> rendered string.
func (a *Actions) builtinTmpl(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var text string
	var ctx starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "text", &text, "context?", &ctx); err != nil {
		return nil, err
	}
	rendered, err := renderTemplate("tmpl", text, ctx)
	if err != nil {
		return nil, err
	}
	return starlark.String(rendered), nil
}
