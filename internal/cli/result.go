package cli

import (
	"fmt"
	"io"
	"sort"
)

// Result is a single message with optional details. Created via
// Output.Result().
type Result struct {
	out     *Output
	meta    Meta
	message string
	details map[string]any
}

// With adds a detail key-value pair.
func (r *Result) With(key string, value any) *Result {
	if r.details == nil {
		r.details = make(map[string]any)
	}
	r.details[key] = value
	return r
}

// Render outputs the result in the configured format.
func (r *Result) Render() error { return r.out.Render(r) }

// Meta returns the metadata.
func (r *Result) Meta() Meta { return r.meta }

func (r *Result) keys() []string {
	keys := make([]string, 0, len(r.details))
	for k := range r.details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RenderText writes the message and indented details.
func (r *Result) RenderText(w io.Writer) error {
	if _, err := fmt.Fprintln(w, r.message); err != nil {
		return err
	}
	width := 0
	for k := range r.details {
		width = max(width, len(k))
	}
	for _, k := range r.keys() {
		if _, err := fmt.Fprintf(w, "  %-*s  %v\n", width+1, k+":", r.details[k]); err != nil {
			return err
		}
	}
	return nil
}

// RenderJSON returns message and details as one object.
func (r *Result) RenderJSON() any {
	result := make(map[string]any, len(r.details)+1)
	result["message"] = r.message
	for k, v := range r.details {
		result[toJSONKey(k)] = v
	}
	return result
}

// RenderMarkdown writes the message in bold and details as a list.
func (r *Result) RenderMarkdown(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "**%s**\n\n", r.message); err != nil {
		return err
	}
	for _, k := range r.keys() {
		if _, err := fmt.Fprintf(w, "- **%s:** %v\n", k, r.details[k]); err != nil {
			return err
		}
	}
	return nil
}
