package actions

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"go.starlark.net/starlark"

	"github.com/hpg/hpg/pkg/script"
)

// builtinHTTPGet implements http_get(url, opts). Recognized options: json,
// save_to, timeout. Returns the body string, the decoded JSON value, or the
// saved file handle respectively.
func (a *Actions) builtinHTTPGet(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var url string
	var opts starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "url", &url, "opts?", &opts); err != nil {
		return nil, err
	}
	bundle, err := decodeOpts("http_get", opts, "json", "save_to", "timeout")
	if err != nil {
		return nil, err
	}
	asJSON, err := bundle.boolean("json", false)
	if err != nil {
		return nil, err
	}
	saveTo, err := bundle.str("save_to", "")
	if err != nil {
		return nil, err
	}
	timeout, err := bundle.integer("timeout", 0)
	if err != nil {
		return nil, err
	}
	if asJSON && saveTo != "" {
		return nil, fmt.Errorf("http_get: 'json' and 'save_to' are mutually exclusive")
	}

	a.begin("http_get", "GET "+url)

	ctx, cancel := actionContext(timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("http_get %s: %w", url, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http_get %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http_get %s: expected 200, received %d", url, resp.StatusCode)
	}

	if saveTo != "" {
		out, err := os.Create(saveTo)
		if err != nil {
			return nil, fmt.Errorf("http_get: creating %s: %w", saveTo, err)
		}
		defer out.Close()
		n, err := io.Copy(out, resp.Body)
		if err != nil {
			return nil, fmt.Errorf("http_get: writing %s: %w", saveTo, err)
		}
		a.end("http_get", true, fmt.Sprintf("%d bytes", n))
		return &fileValue{path: saveTo, actions: a}, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("http_get %s: reading body: %w", url, err)
	}
	a.end("http_get", false, fmt.Sprintf("%d bytes", len(body)))

	if asJSON {
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, fmt.Errorf("http_get %s: decoding json: %w", url, err)
		}
		return script.ToStarlark(v)
	}
	return starlark.String(body), nil
}
