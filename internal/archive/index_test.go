package archive

import "testing"

func TestIndexSearch(t *testing.T) {
	idx, err := NewMemOnly()
	if err != nil {
		t.Fatalf("NewMemOnly: %v", err)
	}
	defer idx.Close()

	docs := []Document{
		{RunID: "run-1", Org: "acme", Query: "postgres failover plan", Final: "Promote the replica and repoint the pooler."},
		{RunID: "run-2", Org: "acme", Query: "kafka retention", Final: "Retention is seven days for the orders topic."},
		{RunID: "run-3", Org: "globex", Query: "replica lag", Final: "The replica lags when vacuum runs."},
	}
	for _, d := range docs {
		if err := idx.Add(d); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	hits, err := idx.Search("replica", "acme", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].RunID != "run-1" {
		t.Fatalf("unexpected hits %+v", hits)
	}

	all, err := idx.Search("replica", "", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 hits across orgs, got %+v", all)
	}

	if _, err := idx.Search("  ", "", 10); err == nil {
		t.Fatalf("empty query must be rejected")
	}
	if err := idx.Add(Document{}); err == nil {
		t.Fatalf("document without run id must be rejected")
	}
}
