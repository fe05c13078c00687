package splunk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sort"
	"strings"
)

const hecApp = "splunk_httpinput"

// RestartRequired reports whether the instance is asking for a restart. A
// transport error means the instance is not reachable yet.
func (c *Client) RestartRequired(ctx context.Context) (bool, error) {
	_, err := c.do(ctx, "GET", "/services/messages/restart_required", jsonQuery(), nil)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GrantRoles makes role import every role in imported.
func (c *Client) GrantRoles(ctx context.Context, role string, imported []string) error {
	form := url.Values{"output_mode": {"json"}}
	for _, r := range imported {
		form.Add("imported_roles", r)
	}
	_, err := c.do(ctx, "POST", "/services/authorization/roles/"+url.PathEscape(role), nil, form)
	if err != nil {
		return fmt.Errorf("grant roles to %s: %w", role, err)
	}
	return nil
}

// SetDeleteIndexesAllowed lets role delete events from indexes matching
// patterns.
func (c *Client) SetDeleteIndexesAllowed(ctx context.Context, role string, patterns []string) error {
	form := url.Values{"value": {strings.Join(patterns, ";")}}
	path := "/services/properties/authorize/role_" + url.PathEscape(role) + "/deleteIndexesAllowed"
	if _, err := c.do(ctx, "POST", path, nil, form); err != nil {
		return fmt.Errorf("allow deletes for %s: %w", role, err)
	}
	return nil
}

// ConfExists reports whether app ships the configuration file conf.
func (c *Client) ConfExists(ctx context.Context, app, conf string) (bool, error) {
	path := fmt.Sprintf("/servicesNS/nobody/%s/configs/conf-%s", url.PathEscape(app), url.PathEscape(conf))
	_, err := c.do(ctx, "GET", path, jsonQuery(), nil)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SetConfProperties writes props under [stanza] of conf in app, creating the
// stanza if needed.
func (c *Client) SetConfProperties(ctx context.Context, app, conf, stanza string, props map[string]string) error {
	base := fmt.Sprintf("/servicesNS/nobody/%s/properties/%s", url.PathEscape(app), url.PathEscape(conf))

	_, err := c.do(ctx, "POST", base, nil, url.Values{"__stanza": {stanza}})
	var apiErr *APIError
	if err != nil && !(errors.As(err, &apiErr) && apiErr.StatusCode == 409) {
		return fmt.Errorf("create stanza %s/%s: %w", conf, stanza, err)
	}

	if len(props) == 0 {
		return nil
	}

	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	form := url.Values{}
	for _, k := range keys {
		form.Set(k, props[k])
	}
	if _, err := c.do(ctx, "POST", base+"/"+url.PathEscape(stanza), nil, form); err != nil {
		return fmt.Errorf("write stanza %s/%s: %w", conf, stanza, err)
	}
	return nil
}

// HECInput describes an ingestion collector input.
type HECInput struct {
	Name    string
	Index   string
	Indexes []string
}

// EnsureHECInput returns the token of the named collector input, creating it
// with acknowledgement enabled when it does not exist. An existing input is
// updated to acknowledge writes and to accept every index of in.
func (c *Client) EnsureHECInput(ctx context.Context, in HECInput) (string, error) {
	path := "/servicesNS/nobody/" + hecApp + "/data/inputs/http"

	q := jsonQuery()
	q.Set("count", "0")
	data, err := c.do(ctx, "GET", path, q, nil)
	if err != nil {
		return "", fmt.Errorf("list collector inputs: %w", err)
	}
	var existing entryEnvelope
	if err := json.Unmarshal(data, &existing); err != nil {
		return "", fmt.Errorf("decode collector inputs: %w", err)
	}
	for _, e := range existing.Entry {
		if e.Name != "http://"+in.Name && e.Name != in.Name {
			continue
		}
		token := asString(e.Content["token"])
		if token == "" {
			continue
		}
		have := splitIndexes(e.Content["indexes"])
		merged := mergeIndexes(have, in.Indexes)
		if asBool(e.Content["useACK"]) && len(merged) == len(have) {
			return token, nil
		}
		form := url.Values{
			"indexes":     {strings.Join(merged, ",")},
			"useACK":      {"1"},
			"output_mode": {"json"},
		}
		if _, err := c.do(ctx, "POST", path+"/"+url.PathEscape(in.Name), nil, form); err != nil {
			return "", fmt.Errorf("update collector input %s: %w", in.Name, err)
		}
		return token, nil
	}

	form := url.Values{
		"name":        {in.Name},
		"index":       {in.Index},
		"indexes":     {strings.Join(in.Indexes, ",")},
		"useACK":      {"1"},
		"output_mode": {"json"},
	}
	data, err = c.do(ctx, "POST", path, nil, form)
	if err != nil {
		return "", fmt.Errorf("create collector input %s: %w", in.Name, err)
	}
	token, err := tokenFrom(data)
	if err != nil {
		return "", fmt.Errorf("create collector input %s: %w", in.Name, err)
	}
	return token, nil
}

func tokenFrom(data []byte) (string, error) {
	var env entryEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("decode input: %w", err)
	}
	if len(env.Entry) == 0 {
		return "", errors.New("input has no entry")
	}
	token := asString(env.Entry[0].Content["token"])
	if token == "" {
		return "", errors.New("input carries no token")
	}
	return token, nil
}

// splitIndexes reads the indexes of an input, reported either as a list or
// as a comma separated string.
func splitIndexes(v any) []string {
	var out []string
	switch val := v.(type) {
	case []any:
		for _, x := range val {
			if s := strings.TrimSpace(asString(x)); s != "" {
				out = append(out, s)
			}
		}
	case string:
		for _, s := range strings.Split(val, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// mergeIndexes appends the entries of add missing from have.
func mergeIndexes(have, add []string) []string {
	out := slices.Clone(have)
	for _, idx := range add {
		if idx != "" && !slices.Contains(out, idx) {
			out = append(out, idx)
		}
	}
	return out
}
