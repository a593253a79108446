package store

import "testing"

func TestKeyLayout(t *testing.T) {
	if got := shardKey("c1", "s1"); got != "shard:c1:s1" {
		t.Errorf("shardKey() got = %v, want shard:c1:s1", got)
	}
	if got := counterKey("c1"); got != "counter:c1" {
		t.Errorf("counterKey() got = %v, want counter:c1", got)
	}
	if got := shardKeyspace("c1"); got != "shard:c1:" {
		t.Errorf("shardKeyspace() got = %v, want shard:c1:", got)
	}
	if got := counterIDFromKey("counter:c1"); got != "c1" {
		t.Errorf("counterIDFromKey() got = %v, want c1", got)
	}
}
