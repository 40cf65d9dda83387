package objstore

import (
	"fmt"
	"strconv"
)

// Pathify spreads a hash over three directory levels ("abcdef12" becomes
// "ab/cd/ef/abcdef12"). Values shorter than six characters are used as is.
func Pathify(x string) string {
	if len(x) < 6 {
		return x
	}
	return x[0:2] + "/" + x[2:4] + "/" + x[4:6] + "/" + x
}

// TaskResultPath is where a finished task's JSON return value lives.
func TaskResultPath(taskHash string) string {
	return "task_results/" + Pathify(taskHash)
}

// SubfeedDir is the directory holding a subfeed's mirrored objects.
func SubfeedDir(feedID, subfeedHash string) string {
	return "feeds/" + Pathify(feedID) + "/subfeeds/" + Pathify(subfeedHash)
}

// SubfeedEntryPath is the object for the message at index i.
func SubfeedEntryPath(feedID, subfeedHash string, i int64) string {
	return SubfeedDir(feedID, subfeedHash) + "/" + strconv.FormatInt(i, 10)
}

// SubfeedSummaryPath is the subfeed.json summary object.
func SubfeedSummaryPath(feedID, subfeedHash string) string {
	return SubfeedDir(feedID, subfeedHash) + "/subfeed.json"
}

// ConsolidatedPath is the range object holding messages [0, count).
func ConsolidatedPath(feedID, subfeedHash string, count int64) string {
	return fmt.Sprintf("%s/0-%d", SubfeedDir(feedID, subfeedHash), count-1)
}

// BackendConfigPath is the config object a backend advertises at registration.
func BackendConfigPath(appName, label string) string {
	return appName + "-backends/" + label + ".json"
}
