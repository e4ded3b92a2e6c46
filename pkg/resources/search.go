package resources

import (
	"fmt"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/emuhost/emuhost/pkg/stores"
)

// DefaultSearchLimit caps Search results when no limit is given.
const DefaultSearchLimit = 20

// titleDocument is the indexed form of a title.
type titleDocument struct {
	Serial string  `json:"serial"`
	Name   string  `json:"name"`
	Region string  `json:"region"`
	Notes  string  `json:"notes"`
	Compat float64 `json:"compat"`
}

func newTitleDocument(t *stores.Title) titleDocument {
	return titleDocument{
		Serial: t.Serial,
		Name:   t.Name,
		Region: t.Region,
		Notes:  t.Notes,
		Compat: float64(t.Compat),
	}
}

func buildIndexMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name

	keyword := bleve.NewKeywordFieldMapping()

	doc.AddFieldMappingsAt("name", text)
	doc.AddFieldMappingsAt("notes", text)
	doc.AddFieldMappingsAt("serial", keyword)
	doc.AddFieldMappingsAt("region", keyword)
	doc.AddFieldMappingsAt("compat", bleve.NewNumericFieldMapping())

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	im.DefaultAnalyzer = standard.Name
	return im
}

// Search runs a query-string query over the loaded titles, for example
// "gran turismo" or "+region:PAL compat:>=4", and returns the matches in
// score order.
func (s *Set) Search(q string, limit int) ([]*stores.Title, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.index == nil {
		return nil, nil
	}

	req := bleve.NewSearchRequestOptions(bleve.NewQueryStringQuery(q), limit, 0, false)
	res, err := s.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("title search failed: %w", err)
	}

	out := make([]*stores.Title, 0, len(res.Hits))
	for _, hit := range res.Hits {
		if t, ok := s.titles[hit.ID]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}
