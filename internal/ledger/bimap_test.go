package ledger

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestBimapPutAndLookup(t *testing.T) {
	b := NewBimap()

	if !b.Put("real-1", "anon-1") {
		t.Fatal("first insert rejected")
	}
	if b.Put("real-1", "anon-2") {
		t.Error("duplicate real key accepted")
	}
	if b.Put("real-2", "anon-1") {
		t.Error("duplicate anon value accepted")
	}

	if v, ok := b.Anon("real-1"); !ok || v != "anon-1" {
		t.Errorf("Anon = %q %v", v, ok)
	}
	if v, ok := b.Real("anon-1"); !ok || v != "real-1" {
		t.Errorf("Real = %q %v", v, ok)
	}
	if b.Len() != 1 {
		t.Errorf("Len = %d", b.Len())
	}
}

func TestBimapDeleteBothSides(t *testing.T) {
	b := NewBimap()
	b.Put("r1", "a1")
	b.Put("r2", "a2")

	if !b.DeleteReal("r1") {
		t.Fatal("DeleteReal failed")
	}
	if _, ok := b.Anon("r1"); ok {
		t.Error("forward entry survived DeleteReal")
	}
	if _, ok := b.Real("a1"); ok {
		t.Error("inverse entry survived DeleteReal")
	}

	if !b.DeleteAnon("a2") {
		t.Fatal("DeleteAnon failed")
	}
	if b.Len() != 0 {
		t.Errorf("Len = %d after deleting everything", b.Len())
	}
	if b.DeleteReal("r1") {
		t.Error("deleting a missing key reported success")
	}
}

func TestBimapOrderAndJSONRoundTrip(t *testing.T) {
	b := NewBimap()
	b.Put("c", "3")
	b.Put("a", "1")
	b.Put("b", "2")

	want := []string{"c", "a", "b"}
	if got := b.Keys(); !reflect.DeepEqual(got, want) {
		t.Errorf("Keys = %v, want %v", got, want)
	}

	data, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	restored := NewBimap()
	if err := json.Unmarshal(data, restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := restored.Keys(); !reflect.DeepEqual(got, want) {
		t.Errorf("Keys after round trip = %v, want %v", got, want)
	}
	if v, _ := restored.Real("2"); v != "b" {
		t.Errorf("inverse lost in round trip: %q", v)
	}
}
