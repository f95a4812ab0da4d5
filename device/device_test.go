package device

import (
	"testing"
	"time"
)

func TestDeriveIDStable(t *testing.T) {
	a := DeriveID(TransportNetwork, "10.0.0.5:9100")
	b := DeriveID(TransportNetwork, "10.0.0.5:9100")
	if a != b {
		t.Fatalf("same endpoint must derive the same id: %s vs %s", a, b)
	}
	if a != "net-10.0.0.5:9100" {
		t.Fatalf("unexpected id %s", a)
	}
	if got := DeriveID(TransportRadio, "/dev/RFCOMM0"); got != "rdo-/dev/rfcomm0" {
		t.Fatalf("radio id should be lowercased, got %s", got)
	}
}

func TestNewDescriptorDefaults(t *testing.T) {
	d := NewDescriptor(TransportNetwork, "10.0.0.5:9100", "")
	if d.DisplayName != "10.0.0.5:9100" {
		t.Fatalf("empty name should fall back to the address, got %q", d.DisplayName)
	}
	if d.Capabilities.Columns != 48 || !d.Capabilities.CanCut {
		t.Fatalf("expected default capabilities, got %+v", d.Capabilities)
	}
	if d.LastSeen.IsZero() {
		t.Fatalf("new descriptor should carry a LastSeen timestamp")
	}
}

func TestRegistryPutGetRemove(t *testing.T) {
	r := NewRegistry()
	d := NewDescriptor(TransportNetwork, "10.0.0.5:9100", "kitchen")

	if isNew := r.Put(d); !isNew {
		t.Fatalf("first put should report a new device")
	}
	if isNew := r.Put(d); isNew {
		t.Fatalf("second put should report a known device")
	}

	got, ok := r.Get(d.ID)
	if !ok || got.DisplayName != "kitchen" {
		t.Fatalf("get after put: ok=%v got=%+v", ok, got)
	}

	if !r.Remove(d.ID) {
		t.Fatalf("remove should report the device existed")
	}
	if _, ok := r.Get(d.ID); ok {
		t.Fatalf("device still present after remove")
	}
	if r.Remove(d.ID) {
		t.Fatalf("second remove should report missing")
	}
}

func TestRegistryTouch(t *testing.T) {
	r := NewRegistry()
	d := NewDescriptor(TransportNetwork, "10.0.0.5:9100", "")
	d.LastSeen = time.Now().Add(-time.Hour)
	r.Put(d)

	r.Touch(d.ID)
	got, _ := r.Get(d.ID)
	if !got.LastSeen.After(d.LastSeen) {
		t.Fatalf("touch should refresh LastSeen")
	}
}

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry()
	r.Put(NewDescriptor(TransportNetwork, "10.0.0.9:9100", ""))
	r.Put(NewDescriptor(TransportNetwork, "10.0.0.2:9100", ""))
	r.Put(NewDescriptor(TransportRadio, "/dev/rfcomm0", ""))

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].ID >= list[i].ID {
			t.Fatalf("list not sorted by id: %v", list)
		}
	}
}
