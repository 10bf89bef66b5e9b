package db

import (
	"context"
	"fmt"
	"testing"
)

// link builds one links-array element.
func link(typeID, direction, key string) string {
	return fmt.Sprintf(`{"type":{"id":%q},"direction":%q,"object":{"key":%q}}`, typeID, direction, key)
}

func insertLinked(t *testing.T, d *DB, key string, links ...string) {
	t.Helper()
	task := testTask(key)
	if len(links) > 0 {
		task.Links = "[" + links[0]
		for _, l := range links[1:] {
			task.Links += "," + l
		}
		task.Links += "]"
	}
	mustUpsert(t, d, task)
}

func TestDownstreamKeysWalk(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	// FULLSTACK-1 <- FULLSTACK-2 <- FULLSTACK-3, plus an unrelated task
	// and a wrong-direction link that must not be followed.
	insertLinked(t, d, "FULLSTACK-1")
	insertLinked(t, d, "FULLSTACK-2", link("subtask", "inward", "FULLSTACK-1"))
	insertLinked(t, d, "FULLSTACK-3", link("subtask", "inward", "FULLSTACK-2"))
	insertLinked(t, d, "FULLSTACK-4", link("subtask", "outward", "FULLSTACK-1"))
	insertLinked(t, d, "OTHER-1", link("subtask", "inward", "FULLSTACK-1"))

	keys, err := d.DownstreamKeys(ctx, "FULLSTACK-1", HierarchyQuery{QueuePrefix: "FULLSTACK"})
	if err != nil {
		t.Fatalf("downstream keys: %v", err)
	}
	want := map[string]bool{"FULLSTACK-1": true, "FULLSTACK-2": true, "FULLSTACK-3": true}
	if len(keys) != len(want) {
		t.Fatalf("expected %d keys, got %v", len(want), keys)
	}
	for _, k := range keys {
		if !want[k] {
			t.Errorf("unexpected key %s in closure", k)
		}
	}
}

func TestDownstreamKeysCycle(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	insertLinked(t, d, "FULLSTACK-10", link("subtask", "inward", "FULLSTACK-11"))
	insertLinked(t, d, "FULLSTACK-11", link("subtask", "inward", "FULLSTACK-10"))

	keys, err := d.DownstreamKeys(ctx, "FULLSTACK-10", HierarchyQuery{QueuePrefix: "FULLSTACK", MaxDepth: 10})
	if err != nil {
		t.Fatalf("downstream keys with cycle: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("cycle should yield both nodes once, got %v", keys)
	}
}

func TestDownstreamKeysBatch(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	insertLinked(t, d, "FULLSTACK-20")
	insertLinked(t, d, "FULLSTACK-21", link("subtask", "inward", "FULLSTACK-20"))
	insertLinked(t, d, "FULLSTACK-30")
	insertLinked(t, d, "FULLSTACK-31", link("subtask", "inward", "FULLSTACK-30"))

	byRoot, err := d.DownstreamKeysBatch(ctx, []string{"FULLSTACK-20", "FULLSTACK-30"},
		HierarchyQuery{QueuePrefix: "FULLSTACK"})
	if err != nil {
		t.Fatalf("batch walk: %v", err)
	}
	if len(byRoot["FULLSTACK-20"]) != 2 || len(byRoot["FULLSTACK-30"]) != 2 {
		t.Errorf("unexpected closures: %v", byRoot)
	}
}

func TestDownstreamKeysRootOutsideQueue(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	insertLinked(t, d, "FULLSTACK-40", link("subtask", "inward", "CPO-100"))

	keys, err := d.DownstreamKeys(ctx, "CPO-100", HierarchyQuery{QueuePrefix: "FULLSTACK"})
	if err != nil {
		t.Fatalf("downstream keys: %v", err)
	}
	// The root does not match the queue prefix and must be excluded.
	if len(keys) != 1 || keys[0] != "FULLSTACK-40" {
		t.Errorf("expected [FULLSTACK-40], got %v", keys)
	}
}
