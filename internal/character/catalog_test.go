package character

import (
	"context"
	"testing"
)

func testCatalog(defaultID string) *StaticCatalog {
	return NewStaticCatalog([]Character{
		{ID: "alice", Name: "Alice", Voice: "v-a", SampleRate: 24000},
		{ID: "bella", Name: "Bella", Voice: "v-b", SampleRate: 24000},
		{ID: "cato", Name: "Cato", Voice: "v-c", SampleRate: 24000},
	}, defaultID)
}

func TestResolveMentionOrder(t *testing.T) {
	catalog := testCatalog("")
	got, err := catalog.Resolve(context.Background(), "Bella, what does Alice think?")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 2 || got[0].ID != "bella" || got[1].ID != "alice" {
		t.Fatalf("wrong order: %v", got)
	}
}

func TestResolveCaseInsensitive(t *testing.T) {
	catalog := testCatalog("")
	got, err := catalog.Resolve(context.Background(), "hey ALICE and cato")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 2 || got[0].ID != "alice" || got[1].ID != "cato" {
		t.Fatalf("wrong resolution: %v", got)
	}
}

func TestResolveWholeWordsOnly(t *testing.T) {
	catalog := testCatalog("")
	got, err := catalog.Resolve(context.Background(), "the palace and belladonna are lovely")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("substring matched as mention: %v", got)
	}
}

func TestResolveDefaultFallback(t *testing.T) {
	catalog := testCatalog("cato")
	got, err := catalog.Resolve(context.Background(), "what time is it?")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 1 || got[0].ID != "cato" {
		t.Fatalf("expected default character, got %v", got)
	}
}

func TestResolveNoDefaultYieldsNobody(t *testing.T) {
	catalog := testCatalog("")
	got, err := catalog.Resolve(context.Background(), "what time is it?")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected nobody, got %v", got)
	}
}

func TestResolveEachCharacterOnce(t *testing.T) {
	catalog := testCatalog("")
	got, err := catalog.Resolve(context.Background(), "Alice, Alice, talk to Alice")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("character duplicated: %v", got)
	}
}
