package catalog

import (
	"encoding/json"
	"errors"
	"io"
	"testing"

	apierr "github.com/kartikbazzad/cursordb/internal/errors"
	"github.com/kartikbazzad/cursordb/internal/logger"
	"github.com/kartikbazzad/cursordb/internal/value"
)

func testCatalog() *Catalog {
	return NewCatalog(logger.New(io.Discard, logger.LevelError, "[test]"))
}

func TestCreate_Duplicate(t *testing.T) {
	cat := testCatalog()

	if _, err := cat.Create("users"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := cat.Create("users"); !errors.Is(err, apierr.ErrCollectionExists) {
		t.Errorf("duplicate create: err = %v", err)
	}
	if _, err := cat.Create(""); !errors.Is(err, apierr.ErrInvalidCollectionName) {
		t.Errorf("empty name: err = %v", err)
	}
}

func TestGet_Unknown(t *testing.T) {
	cat := testCatalog()
	if _, err := cat.Get("nope"); !errors.Is(err, apierr.ErrCollectionNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestInsert_AssignsKey(t *testing.T) {
	cat := testCatalog()
	if _, err := cat.Create("users"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	doc, err := value.Decode([]byte(`{"name":"ada"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	stored, err := cat.Insert("users", doc)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	obj := stored.(map[string]interface{})
	key, _ := obj["_key"].(string)
	if key == "" {
		t.Error("inserted object should have a _key")
	}

	// explicit keys are kept
	doc2, _ := value.Decode([]byte(`{"_key":"mine"}`))
	stored2, err := cat.Insert("users", doc2)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if stored2.(map[string]interface{})["_key"] != "mine" {
		t.Error("explicit _key was replaced")
	}
}

func TestSnapshot_Isolated(t *testing.T) {
	cat := testCatalog()
	coll, _ := cat.Create("nums")
	for i := 0; i < 3; i++ {
		if _, err := cat.Insert("nums", json.Number("1")); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	snap := coll.Snapshot()
	if _, err := cat.Insert("nums", json.Number("2")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if len(snap) != 3 {
		t.Errorf("snapshot grew after insert: %d", len(snap))
	}
	if coll.Count() != 4 {
		t.Errorf("Count = %d", coll.Count())
	}
}

func TestWriteHook_Fires(t *testing.T) {
	cat := testCatalog()
	var touched []string
	cat.SetWriteHook(func(collections []string) {
		touched = append(touched, collections...)
	})

	cat.Create("a")
	cat.Insert("a", json.Number("1"))
	cat.Truncate("a")
	cat.Drop("a")

	want := []string{"a", "a", "a"}
	if len(touched) != len(want) {
		t.Fatalf("hook fired %d times, want %d (insert, truncate, drop)", len(touched), len(want))
	}
	for i := range want {
		if touched[i] != want[i] {
			t.Errorf("touched[%d] = %q", i, touched[i])
		}
	}
}

func TestVersion_BumpsOnWrite(t *testing.T) {
	cat := testCatalog()
	coll, _ := cat.Create("v")
	before := coll.Version()
	cat.Insert("v", json.Number("1"))
	if coll.Version() != before+1 {
		t.Errorf("version = %d, want %d", coll.Version(), before+1)
	}
}
