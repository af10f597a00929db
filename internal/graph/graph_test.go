package graph_test

import (
	"errors"
	"testing"

	"huntboard/internal/domain"
	"huntboard/internal/graph"
)

func node(id, kind string, prereqs ...string) domain.Node {
	return domain.Node{ID: id, EventID: "evt-1", Kind: kind, Title: id, Prereqs: prereqs}
}

func linear() []domain.Node {
	return []domain.Node{
		node("start", domain.NodeStart),
		node("a", domain.NodeStandard, "start"),
		node("inn1", domain.NodeInn, "a"),
		node("chest", domain.NodeTreasure, "inn1"),
	}
}

func TestLoadValidGraph(t *testing.T) {
	g, err := graph.Load("evt-1", linear())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if g.Start() != "start" {
		t.Fatalf("start node: %s", g.Start())
	}
	if g.KindOf("inn1") != domain.NodeInn {
		t.Fatalf("kind of inn1: %s", g.KindOf("inn1"))
	}
	if got := g.PrerequisitesOf("chest"); len(got) != 1 || got[0] != "inn1" {
		t.Fatalf("prereqs of chest: %v", got)
	}
	if len(g.Nodes()) != 4 {
		t.Fatalf("expected 4 nodes")
	}
}

func TestLoadRejectsDanglingPrereq(t *testing.T) {
	nodes := []domain.Node{
		node("start", domain.NodeStart),
		node("a", domain.NodeStandard, "missing"),
	}
	if _, err := graph.Load("evt-1", nodes); !errors.Is(err, graph.ErrInvalidGraph) {
		t.Fatalf("expected ErrInvalidGraph, got %v", err)
	}
}

func TestLoadRejectsDanglingUnlock(t *testing.T) {
	nodes := []domain.Node{
		node("start", domain.NodeStart),
	}
	nodes[0].Unlocks = []string{"ghost"}
	if _, err := graph.Load("evt-1", nodes); !errors.Is(err, graph.ErrInvalidGraph) {
		t.Fatalf("expected ErrInvalidGraph, got %v", err)
	}
}

func TestLoadRejectsCycle(t *testing.T) {
	nodes := []domain.Node{
		node("start", domain.NodeStart),
		node("a", domain.NodeStandard, "b"),
		node("b", domain.NodeStandard, "a"),
	}
	if _, err := graph.Load("evt-1", nodes); !errors.Is(err, graph.ErrInvalidGraph) {
		t.Fatalf("expected ErrInvalidGraph, got %v", err)
	}
}

func TestLoadRejectsStartWithPrereqs(t *testing.T) {
	nodes := []domain.Node{
		node("a", domain.NodeStandard),
		node("start", domain.NodeStart, "a"),
	}
	if _, err := graph.Load("evt-1", nodes); !errors.Is(err, graph.ErrInvalidGraph) {
		t.Fatalf("expected ErrInvalidGraph, got %v", err)
	}
}

func TestLoadRejectsMissingStart(t *testing.T) {
	nodes := []domain.Node{node("a", domain.NodeStandard)}
	if _, err := graph.Load("evt-1", nodes); !errors.Is(err, graph.ErrInvalidGraph) {
		t.Fatalf("expected ErrInvalidGraph, got %v", err)
	}
}

func TestAvailableProgression(t *testing.T) {
	g, err := graph.Load("evt-1", linear())
	if err != nil {
		t.Fatal(err)
	}
	avail := g.Available(map[string]bool{})
	if !avail["start"] || len(avail) != 1 {
		t.Fatalf("fresh team should only see start: %v", avail)
	}
	avail = g.Available(map[string]bool{"start": true})
	if !avail["a"] || len(avail) != 1 {
		t.Fatalf("after start only a: %v", avail)
	}
	avail = g.Available(map[string]bool{"start": true, "a": true})
	if !avail["inn1"] || len(avail) != 1 {
		t.Fatalf("after a only inn1: %v", avail)
	}
}

func TestAvailableIdempotent(t *testing.T) {
	g, err := graph.Load("evt-1", linear())
	if err != nil {
		t.Fatal(err)
	}
	completed := map[string]bool{"start": true}
	first := g.Available(completed)
	second := g.Available(completed)
	if len(first) != len(second) {
		t.Fatalf("sets differ: %v vs %v", first, second)
	}
	for id := range first {
		if !second[id] {
			t.Fatalf("sets differ at %s", id)
		}
	}
}

func TestAvailableDisjointFromCompleted(t *testing.T) {
	g, err := graph.Load("evt-1", linear())
	if err != nil {
		t.Fatal(err)
	}
	completed := map[string]bool{"start": true, "a": true}
	for id := range g.Available(completed) {
		if completed[id] {
			t.Fatalf("completed node %s reported available", id)
		}
	}
}

func TestAvailableMultiPrereq(t *testing.T) {
	nodes := []domain.Node{
		node("start", domain.NodeStart),
		node("a", domain.NodeStandard, "start"),
		node("b", domain.NodeStandard, "start"),
		node("boss", domain.NodeTreasure, "a", "b"),
	}
	g, err := graph.Load("evt-1", nodes)
	if err != nil {
		t.Fatal(err)
	}
	avail := g.Available(map[string]bool{"start": true, "a": true})
	if avail["boss"] {
		t.Fatalf("boss unlocked with only one prerequisite done")
	}
	avail = g.Available(map[string]bool{"start": true, "a": true, "b": true})
	if !avail["boss"] {
		t.Fatalf("boss should unlock once both prerequisites done")
	}
}
