package app

import (
	"encoding/json"
	"sort"

	"github.com/mwardle-data/jobs-scraper-project/internal/jsonl"
	"github.com/mwardle-data/jobs-scraper-project/internal/models"
)

// Pending lists the identities present in ledgerIDs that have no record in
// the output log at outputPath. These are listings claimed as seen whose
// detail fetch never landed. The result is sorted.
func Pending(ledgerIDs map[string]struct{}, outputPath string) ([]string, error) {
	emitted := make(map[string]struct{}, len(ledgerIDs))
	err := jsonl.Scan(outputPath, func(_ int, line []byte) {
		var rec map[string]any
		if json.Unmarshal(line, &rec) != nil {
			return
		}
		if id, ok := rec[models.FieldJobID].(string); ok && id != "" {
			emitted[id] = struct{}{}
		}
	})
	if err != nil {
		return nil, err
	}

	var pending []string
	for id := range ledgerIDs {
		if _, ok := emitted[id]; !ok {
			pending = append(pending, id)
		}
	}
	sort.Strings(pending)
	return pending, nil
}
