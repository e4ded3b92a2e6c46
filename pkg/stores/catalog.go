package stores

import (
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"
)

// ParseCatalog reads a YAML title index keyed by serial:
//
//	SLUS-20312:
//	  name: Example Title
//	  region: NTSC-U
//	  compat: 5
//
// Titles are returned in serial order.
func ParseCatalog(r io.Reader) ([]*Title, error) {
	var index map[string]Title
	if err := yaml.NewDecoder(r).Decode(&index); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	titles := make([]*Title, 0, len(index))
	for serial, entry := range index {
		if entry.Compat < CompatUnknown || entry.Compat > CompatPerfect {
			return nil, fmt.Errorf("title %s: compat %d out of range", serial, entry.Compat)
		}
		t := entry
		t.Serial = serial
		titles = append(titles, &t)
	}

	sort.Slice(titles, func(i, j int) bool { return titles[i].Serial < titles[j].Serial })
	return titles, nil
}
