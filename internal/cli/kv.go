package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
)

// KV renders ordered key-value pairs. Created via Output.KV().
type KV struct {
	out   *Output
	meta  Meta
	pairs []kvPair
}

type kvPair struct {
	key   string
	value any
}

// Set adds a key-value pair.
func (k *KV) Set(key string, value any) *KV {
	k.pairs = append(k.pairs, kvPair{key: key, value: value})
	return k
}

// Render outputs the pairs in the configured format.
func (k *KV) Render() error { return k.out.Render(k) }

// Meta returns the metadata.
func (k *KV) Meta() Meta { return k.meta }

// RenderText writes aligned key: value lines.
func (k *KV) RenderText(w io.Writer) error {
	if len(k.pairs) == 0 {
		return nil
	}
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.Style().Options.DrawBorder = false
	tw.Style().Options.SeparateColumns = false
	tw.Style().Options.SeparateRows = false
	tw.Style().Options.SeparateHeader = false
	for _, p := range k.pairs {
		tw.AppendRow(table.Row{p.key + ":", fmt.Sprintf("%v", p.value)})
	}
	_, err := io.WriteString(w, tw.Render()+"\n")
	return err
}

// RenderJSON returns the pairs as an object.
func (k *KV) RenderJSON() any {
	result := make(map[string]any, len(k.pairs))
	for _, p := range k.pairs {
		result[toJSONKey(p.key)] = p.value
	}
	return result
}

// RenderMarkdown writes one bold key per paragraph.
func (k *KV) RenderMarkdown(w io.Writer) error {
	for _, p := range k.pairs {
		v := strings.ReplaceAll(fmt.Sprintf("%v", p.value), "|", "\\|")
		if _, err := fmt.Fprintf(w, "**%s:** %s\n\n", p.key, v); err != nil {
			return err
		}
	}
	return nil
}
