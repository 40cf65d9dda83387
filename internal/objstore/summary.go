package objstore

import "context"

// SubfeedSummary is the subfeed.json document. MessageCount is the only
// source of truth for how many entry objects exist.
type SubfeedSummary struct {
	MessageCount      int64 `json:"messageCount"`
	ConsolidatedCount int64 `json:"consolidatedCount"`
}

// ReadSummary loads subfeed.json, reporting false when it does not exist.
func ReadSummary(ctx context.Context, s Store, feedID, subfeedHash string) (SubfeedSummary, bool, error) {
	var sum SubfeedSummary
	ok, err := GetJSON(ctx, s, SubfeedSummaryPath(feedID, subfeedHash), &sum)
	return sum, ok, err
}

// WriteSummary overwrites subfeed.json.
func WriteSummary(ctx context.Context, s Store, feedID, subfeedHash string, sum SubfeedSummary) error {
	_, err := PutJSON(ctx, s, SubfeedSummaryPath(feedID, subfeedHash), sum, PutOptions{})
	return err
}
