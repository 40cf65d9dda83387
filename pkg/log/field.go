package log

import (
	"fmt"
	"time"
)

// Field is a single key/value pair attached to a log entry.
type Field struct {
	Key   string
	Value interface{}
}

// F builds a Field from any value.
func F(key string, value interface{}) Field { return Field{Key: key, Value: value} }

func Str(key, value string) Field { return Field{Key: key, Value: value} }

func Int(key string, value int) Field { return Field{Key: key, Value: value} }

func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// Dur renders durations in their string form ("150ms").
func Dur(key string, value time.Duration) Field { return Field{Key: key, Value: value.String()} }

// Err attaches an error under the "error" key. A nil error yields an empty string.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: ""}
	}
	return Field{Key: "error", Value: err}
}

// TaskHash, FeedID and SubfeedHash name the entities relay logs about, so the
// same key is used by every package.
func TaskHash(hash string) Field { return Field{Key: "task_hash", Value: hash} }

func FeedID(id string) Field { return Field{Key: "feed_id", Value: id} }

func SubfeedHash(hash string) Field { return Field{Key: "subfeed_hash", Value: hash} }

// Component tags an entry with the emitting component.
func Component(name string) Field { return Field{Key: ComponentKey, Value: name} }

func (f Field) String() string { return fmt.Sprintf("%s=%v", f.Key, f.Value) }
