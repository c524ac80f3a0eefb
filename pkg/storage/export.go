package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"shopcrawl/pkg/graph"
	"shopcrawl/pkg/models"
	"shopcrawl/pkg/utils"
)

// Results bundles everything a crawl session produces for collaborators:
// one record per visited URL, the link graph with rank scores, and
// session statistics.
type Results struct {
	Records []models.CrawlRecord `json:"records"`
	Graph   *graph.GraphSnapshot `json:"graph,omitempty"`
	Stats   *models.CrawlStats   `json:"stats,omitempty"`
}

// CollectResults assembles a Results from the store contents. Records
// are sorted by URL so repeated exports of the same store are
// byte-identical.
func (s *BadgerStore) CollectResults(stats *models.CrawlStats) (*Results, error) {
	records, err := s.LoadRecords()
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].URL < records[j].URL })

	snap, err := s.LoadGraph()
	if err != nil {
		return nil, err
	}
	return &Results{Records: records, Graph: snap, Stats: stats}, nil
}

// ExportResults writes a Results as indented JSON.
func ExportResults(w io.Writer, res *Results) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("encoding crawl results: %w", err)
	}
	return nil
}

// ImportResults reads a Results previously written by ExportResults.
func ImportResults(r io.Reader) (*Results, error) {
	var res Results
	if err := json.NewDecoder(r).Decode(&res); err != nil {
		return nil, fmt.Errorf("%w: decoding crawl results: %w", utils.ErrParsing, err)
	}
	return &res, nil
}

// WriteResultsFile exports results to a file path, creating parent
// directories as needed.
func WriteResultsFile(path string, res *Results) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating results file '%s': %w", path, err)
	}
	defer f.Close()

	if err := ExportResults(f, res); err != nil {
		return err
	}
	return f.Sync()
}
