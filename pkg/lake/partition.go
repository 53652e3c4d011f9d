package lake

import (
	"fmt"
	"sort"
	"time"

	"github.com/ajitpratap0/finlake/pkg/connector/core"
)

// unpartitioned holds rows of batches without a usable time field.
const unpartitioned = "all"

type partition struct {
	key  string
	date time.Time
	rows []core.Row
}

// partitionRows splits rows by year=YYYY/month=MM of the time field,
// preserving row order within each partition. Partitions come back sorted
// by key.
func partitionRows(batch *core.DatasetBatch) []*partition {
	if batch.TimeField == "" {
		return []*partition{{key: unpartitioned, rows: batch.Rows}}
	}

	byKey := make(map[string]*partition)
	for _, row := range batch.Rows {
		t, ok := rowTime(row[batch.TimeField])

		key := unpartitioned
		if ok {
			key = partitionKey(t)
		}

		p, exists := byKey[key]
		if !exists {
			p = &partition{key: key}
			byKey[key] = p
		}
		if ok && (p.date.IsZero() || t.Before(p.date)) {
			p.date = t
		}
		p.rows = append(p.rows, row)
	}

	out := make([]*partition, 0, len(byKey))
	for _, p := range byKey {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

func partitionKey(t time.Time) string {
	return fmt.Sprintf("year=%04d/month=%02d", t.Year(), int(t.Month()))
}

var timeLayouts = []string{time.RFC3339Nano, time.DateOnly, "2006-01"}

func rowTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), !t.IsZero()
	case string:
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UTC(), true
			}
		}
	}
	return time.Time{}, false
}
