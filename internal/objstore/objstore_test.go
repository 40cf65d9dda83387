package objstore

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	pebblestore "github.com/rzbill/relay/internal/storage/pebble"
)

func TestPaths(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"pathify", Pathify("abcdef0123"), "ab/cd/ef/abcdef0123"},
		{"pathify short", Pathify("abc"), "abc"},
		{"task result", TaskResultPath("a1b2c3d4"), "task_results/a1/b2/c3/a1b2c3d4"},
		{"entry", SubfeedEntryPath("feed01", "sub002", 7), "feeds/fe/ed/01/feed01/subfeeds/su/b0/02/sub002/7"},
		{"summary", SubfeedSummaryPath("feed01", "sub002"), "feeds/fe/ed/01/feed01/subfeeds/su/b0/02/sub002/subfeed.json"},
		{"consolidated", ConsolidatedPath("feed01", "sub002", 5), "feeds/fe/ed/01/feed01/subfeeds/su/b0/02/sub002/0-4"},
		{"backend config", BackendConfigPath("relay", "lab"), "relay-backends/lab.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Fatalf("got %q want %q", tt.got, tt.want)
			}
		})
	}
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if ok, err := s.Put(ctx, "a/b", []byte("1"), PutOptions{IfAbsent: true}); err != nil || !ok {
		t.Fatalf("first put: ok=%v err=%v", ok, err)
	}
	if ok, err := s.Put(ctx, "a/b", []byte("2"), PutOptions{IfAbsent: true}); err != nil || ok {
		t.Fatalf("conditional put should be skipped: ok=%v err=%v", ok, err)
	}
	if b, _ := s.Get(ctx, "a/b"); string(b) != "1" {
		t.Fatalf("first writer should win, got %q", b)
	}
	if ok, err := s.Put(ctx, "a/b", []byte("3"), PutOptions{}); err != nil || !ok {
		t.Fatalf("overwrite: ok=%v err=%v", ok, err)
	}
	if b, _ := s.Get(ctx, "a/b"); string(b) != "3" {
		t.Fatalf("overwrite lost, got %q", b)
	}
}

func TestLocalStore(t *testing.T) {
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	l := NewLocal(db)
	exerciseStore(t, l)
	paths, err := l.List("a/")
	if err != nil || len(paths) != 1 || paths[0] != "a/b" {
		t.Fatalf("list: %v %v", paths, err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestSummaryRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if _, ok, err := ReadSummary(ctx, m, "feed01", "sub002"); err != nil || ok {
		t.Fatalf("absent summary: ok=%v err=%v", ok, err)
	}
	if err := WriteSummary(ctx, m, "feed01", "sub002", SubfeedSummary{MessageCount: 7, ConsolidatedCount: 5}); err != nil {
		t.Fatalf("write: %v", err)
	}
	sum, ok, err := ReadSummary(ctx, m, "feed01", "sub002")
	if err != nil || !ok || sum.MessageCount != 7 || sum.ConsolidatedCount != 5 {
		t.Fatalf("read: %+v ok=%v err=%v", sum, ok, err)
	}
}

// fakeDynamo honors attribute_not_exists on the path key.
type fakeDynamo struct {
	items map[string]map[string]types.AttributeValue
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	k := in.Key["path"].(*types.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: f.items[k]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	k := in.Item["path"].(*types.AttributeValueMemberS).Value
	if in.ConditionExpression != nil {
		if _, ok := f.items[k]; ok {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	f.items[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func TestDynamoStore(t *testing.T) {
	d := NewDynamoWithClient(&fakeDynamo{items: map[string]map[string]types.AttributeValue{}}, "objects")
	exerciseStore(t, d)
	if d.URI("x/y") != "dynamodb://objects/x/y" {
		t.Fatalf("uri: %s", d.URI("x/y"))
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("RELAY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RELAY_TEST_REDIS_ADDR not set")
	}
	r := NewRedis(addr, "", 0, "relay_test")
	t.Cleanup(func() {
		c := r.pool.Get()
		_, _ = c.Do("DEL", r.key("a/b"))
		c.Close()
		_ = r.Close()
	})
	exerciseStore(t, r)
}
