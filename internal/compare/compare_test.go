package compare

import (
	"testing"
	"time"

	"github.com/and161185/lexisync/internal/model"
)

func item(id int64, sum string, at time.Time) model.SyncableItem[model.Vocabulary] {
	it := model.SyncableItem[model.Vocabulary]{EntityID: id, SyncChecksum: sum, UpdatedAt: at}
	if id <= 0 {
		it.ClientReferenceID = "tmp-1"
	}
	return it
}

func TestClassify(t *testing.T) {
	t.Parallel()
	last := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	before := last.Add(-time.Hour)
	after := last.Add(time.Hour)

	cases := []struct {
		name   string
		server *model.Record
		client model.SyncableItem[model.Vocabulary]
		want   Class
		ct     model.ConflictType
	}{
		{"missing row", nil, item(42, "a", after), New, ""},
		{"temporary id", &model.Record{ID: 42, Checksum: "b"}, item(0, "a", after), New, ""},
		{"same checksum", &model.Record{ID: 42, Checksum: "a", UpdatedAt: after}, item(42, "a", after), Unchanged, ""},
		{"client ahead", &model.Record{ID: 42, Checksum: "b", UpdatedAt: before}, item(42, "a", after), ClientAhead, ""},
		{"server ahead", &model.Record{ID: 42, Checksum: "b", UpdatedAt: after}, item(42, "a", before), ServerAhead, ""},
		{"both modified", &model.Record{ID: 42, Checksum: "b", UpdatedAt: after}, item(42, "a", after.Add(time.Minute)), Conflict, model.ConflictBothModified},
		{"equal timestamps", &model.Record{ID: 42, Checksum: "b", UpdatedAt: after}, item(42, "a", after), Conflict, model.ConflictBothModified},
		{"both stale, different content", &model.Record{ID: 42, Checksum: "b", UpdatedAt: before}, item(42, "a", before), Conflict, model.ConflictBothModified},
		{"tombstone, client edited", &model.Record{ID: 42, Checksum: "b", Deleted: true, UpdatedAt: before}, item(42, "a", after), Conflict, model.ConflictClientModifiedServerDeleted},
		{"tombstone, client stale", &model.Record{ID: 42, Checksum: "a", Deleted: true, UpdatedAt: after}, item(42, "a", before), ServerAhead, ""},
	}
	for _, tc := range cases {
		got := Classify(tc.server, tc.client, last)
		if got.Class != tc.want || got.ConflictType != tc.ct {
			t.Fatalf("%s: got %v/%q want %v/%q", tc.name, got.Class, got.ConflictType, tc.want, tc.ct)
		}
	}
}

func TestClassify_ConflictIsSymmetric(t *testing.T) {
	t.Parallel()
	last := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for _, d := range []time.Duration{-time.Minute, 0, time.Minute} {
		srv := &model.Record{ID: 7, Checksum: "s", UpdatedAt: last.Add(time.Hour)}
		cl := item(7, "c", last.Add(time.Hour+d))
		if v := Classify(srv, cl, last); v.Class != Conflict {
			t.Fatalf("offset %v: want Conflict, got %v", d, v.Class)
		}
	}
}

func TestClassify_Deterministic(t *testing.T) {
	t.Parallel()
	last := time.Now().UTC()
	srv := &model.Record{ID: 1, Checksum: "x", UpdatedAt: last.Add(time.Second)}
	cl := item(1, "y", last.Add(2*time.Second))
	first := Classify(srv, cl, last)
	for i := 0; i < 10; i++ {
		if Classify(srv, cl, last) != first {
			t.Fatalf("classification changed on run %d", i)
		}
	}
}

func TestClassifyDeletion(t *testing.T) {
	t.Parallel()
	last := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	if v := ClassifyDeletion(nil, last); v.Class != Unchanged {
		t.Fatalf("missing: %v", v.Class)
	}
	if v := ClassifyDeletion(&model.Record{Deleted: true}, last); v.Class != Unchanged {
		t.Fatalf("already deleted: %v", v.Class)
	}
	if v := ClassifyDeletion(&model.Record{UpdatedAt: last.Add(-time.Hour)}, last); v.Class != ClientAhead {
		t.Fatalf("stale server: %v", v.Class)
	}
	v := ClassifyDeletion(&model.Record{UpdatedAt: last.Add(time.Hour)}, last)
	if v.Class != Conflict || v.ConflictType != model.ConflictServerModifiedClientDeleted {
		t.Fatalf("server edited: %+v", v)
	}
}

func TestChecksum_Stable(t *testing.T) {
	t.Parallel()
	v := model.Vocabulary{Term: "猫", Reading: "ねこ", Meanings: []string{"cat"}}
	a, err := Checksum(v)
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	b, _ := Checksum(v)
	if a != b || len(a) != 64 {
		t.Fatalf("unstable or wrong length: %q %q", a, b)
	}
	v.Meanings = append(v.Meanings, "kitty")
	c, _ := Checksum(v)
	if c == a {
		t.Fatalf("checksum ignored content change")
	}
}
