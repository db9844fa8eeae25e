package resourceops

import (
	"reflect"
	"testing"

	"k8s.io/apimachinery/pkg/runtime/schema"
)

func TestResourceInterfaceForUnknownGVKErrors(t *testing.T) {
	_, err := ResourceInterfaceFor(nil, schema.GroupVersionKind{Group: "custom.io", Version: "v1", Kind: "Widget"}, "default")
	if err == nil {
		t.Fatalf("expected error for unmapped GVK")
	}
}

func container(name, image string) map[string]any {
	return map[string]any{"name": name, "image": image}
}

func TestMergeNamedListByNamePreservesOutOfBandAdditions(t *testing.T) {
	desired := []any{container("app", "v2")}
	lastApplied := []any{container("app", "v1")}
	live := []any{container("app", "v1"), container("sidecar", "latest")}

	got := mergeNamedList(desired, lastApplied, live)
	if len(got) != 2 {
		t.Fatalf("expected 2 containers, got %d: %v", len(got), got)
	}

	byName := map[string]any{}
	for _, item := range got {
		name, _ := nameKey(item)
		byName[name] = item
	}
	if !reflect.DeepEqual(byName["app"], container("app", "v2")) {
		t.Fatalf("expected app container updated to v2, got %v", byName["app"])
	}
	if !reflect.DeepEqual(byName["sidecar"], container("sidecar", "latest")) {
		t.Fatalf("expected sidecar preserved, got %v", byName["sidecar"])
	}
}

func TestMergeNamedListRemovesEntryDroppedFromDesired(t *testing.T) {
	desired := []any{container("app", "v2")}
	lastApplied := []any{container("app", "v1"), container("old-sidecar", "v1")}
	live := []any{container("app", "v1"), container("old-sidecar", "v1")}

	got := mergeNamedList(desired, lastApplied, live)
	if len(got) != 1 {
		t.Fatalf("expected old-sidecar removed, got %v", got)
	}
	name, _ := nameKey(got[0])
	if name != "app" {
		t.Fatalf("expected only app to remain, got %s", name)
	}
}

func TestThreeWayMergeReplacesNonNamedListWholesale(t *testing.T) {
	desired := map[string]any{"tags": []any{"a", "b"}}
	lastApplied := map[string]any{"tags": []any{"a"}}
	live := map[string]any{"tags": []any{"a", "c"}}

	got, err := ThreeWayMerge(desired, lastApplied, live)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got["tags"], []any{"a", "b"}) {
		t.Fatalf("expected wholesale replacement, got %v", got["tags"])
	}
}
