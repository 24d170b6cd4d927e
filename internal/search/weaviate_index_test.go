package search

import (
	"errors"
	"reflect"
	"testing"

	"github.com/weaviate/weaviate/entities/models"
)

func TestWeaviateClassNameFromCollection(t *testing.T) {
	index, err := NewWeaviateIndex(WeaviateConfig{URL: "http://localhost:8080"})
	if err != nil {
		t.Fatalf("failed to construct index: %v", err)
	}
	cases := map[string]string{
		"tweets":       "KuraTweets",
		"users":        "KuraUsers",
		"tweet_drafts": "KuraTweetDrafts",
	}
	for collection, expected := range cases {
		name, err := index.className(collection)
		if err != nil {
			t.Fatalf("className(%q) failed: %v", collection, err)
		}
		if name != expected {
			t.Fatalf("className(%q) = %q, want %q", collection, name, expected)
		}
	}
	if _, err := index.className("__"); !errors.Is(err, ErrInvalidCollection) {
		t.Fatalf("expected invalid collection, got %v", err)
	}
}

func TestWeaviateObjectIDIsDeterministic(t *testing.T) {
	first := objectID("tweets", 42)
	second := objectID("tweets", 42)
	other := objectID("users", 42)
	if first != second {
		t.Fatalf("expected stable object id, got %s and %s", first, second)
	}
	if first == other {
		t.Fatalf("expected collections to yield distinct ids")
	}
}

func TestParseRecordIDs(t *testing.T) {
	data := map[string]models.JSONObject{
		"Get": map[string]interface{}{
			"KuraTweets": []interface{}{
				map[string]interface{}{"recordId": float64(5)},
				map[string]interface{}{"recordId": float64(1)},
				map[string]interface{}{"other": "ignored"},
				map[string]interface{}{"recordId": float64(3)},
			},
		},
	}
	ids := parseRecordIDs(data, "KuraTweets")
	if !reflect.DeepEqual(ids, []int64{5, 1, 3}) {
		t.Fatalf("unexpected ids: %v", ids)
	}
	if ids := parseRecordIDs(data, "KuraUsers"); len(ids) != 0 {
		t.Fatalf("expected no ids for unknown class, got %v", ids)
	}
}

func TestSplitURL(t *testing.T) {
	scheme, host, err := splitURL("https://weaviate.example.com/")
	if err != nil || scheme != "https" || host != "weaviate.example.com" {
		t.Fatalf("unexpected split: %s %s %v", scheme, host, err)
	}
	scheme, host, err = splitURL("localhost:8080")
	if err != nil || scheme != "http" || host != "localhost:8080" {
		t.Fatalf("unexpected split: %s %s %v", scheme, host, err)
	}
	if _, _, err := splitURL(""); err == nil {
		t.Fatalf("expected empty url to fail")
	}
}
