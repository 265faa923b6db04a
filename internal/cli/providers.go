package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/gezibash/arc-mesh/pkg/provider"
)

// ProviderTable lists providers sorted by name and id.
func ProviderTable(out *Output, providers []*provider.Provider, now time.Time) *Table {
	sorted := append([]*provider.Provider(nil), providers...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Name != sorted[j].Name {
			return sorted[i].Name < sorted[j].Name
		}
		return sorted[i].ID < sorted[j].ID
	})

	t := out.Table("providers", "Name", "Version", "ID", "RPC", "Channel", "Capabilities", "Last Seen", "Link")
	for _, p := range sorted {
		link := "-"
		if p.Link() != nil {
			link = "up"
		}
		t.AddRow(
			p.Name,
			orDash(p.Version),
			shortID(p.ID),
			endpoint(p, provider.KindRPC),
			endpoint(p, provider.KindChannel),
			capabilities(p),
			humanize.RelTime(p.LastSeen(), now, "ago", "from now"),
			link,
		)
	}
	return t
}

func endpoint(p *provider.Provider, kind provider.Kind) string {
	ep := p.Endpoint(kind)
	if ep == nil {
		return "-"
	}
	return fmt.Sprintf("%s://%s", ep.Type, p.Addr(kind))
}

func capabilities(p *provider.Provider) string {
	var parts []string
	for name := range p.API {
		parts = append(parts, name)
	}
	for ns, spec := range p.Namespaces {
		parts = append(parts, fmt.Sprintf("%s[%s]", ns, humanize.Comma(int64(len(spec.RepEvents)))))
	}
	if len(parts) == 0 {
		return "-"
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return orDash(id)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
