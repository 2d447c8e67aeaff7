package canary

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultQueries is the probe set used when no queries file is given. It
// carries no relevance judgments, so recall falls back to coverage.
var DefaultQueries = []Query{
	{Text: "how do I rotate an api key"},
	{Text: "reset password without email access"},
	{Text: "invoice shows the wrong currency"},
	{Text: "export search results to csv"},
	{Text: "increase upload size limit"},
	{Text: "two factor authentication backup codes"},
	{Text: "webhook retries after a timeout"},
	{Text: "delete an archived project"},
}

// LoadQueries reads a YAML (or JSON) list of probe queries:
//
//	# queries.yaml
//	- query: reset password
//	  relevant: [doc-12, doc-40]
func LoadQueries(path string) ([]Query, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read queries: %w", err)
	}

	var queries []Query
	if err := yaml.Unmarshal(data, &queries); err != nil {
		return nil, fmt.Errorf("failed to parse queries %q: %w", path, err)
	}
	for i, q := range queries {
		if q.Text == "" {
			return nil, fmt.Errorf("query %d in %q is empty", i, path)
		}
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("no queries in %q", path)
	}
	return queries, nil
}
