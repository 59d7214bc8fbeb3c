package domain

import (
	"testing"
	"time"
)

func TestNewAssignsUniqueEntryIDs(t *testing.T) {
	a := New("dev-1", time.Now(), &Status{Connected: true})
	b := New("dev-1", time.Now(), &Status{Connected: true})
	if a.EntryID == "" || b.EntryID == "" {
		t.Fatalf("expected entry ids to be assigned")
	}
	if a.EntryID == b.EntryID {
		t.Fatalf("entry ids must not repeat, got %s twice", a.EntryID)
	}
	if a.Kind() != KindStatus {
		t.Fatalf("expected status kind, got %s", a.Kind())
	}
}

func TestWithCaptureLeavesOriginalUntouched(t *testing.T) {
	orig := New("dev-1", time.Now(), &Sample{ID: "x", CDATA: "1"})
	tagged := orig.WithCapture(CaptureArchived)

	if orig.Capture() != CaptureNone {
		t.Fatalf("original sample was tagged: %s", orig.Capture())
	}
	if tagged.Capture() != CaptureArchived {
		t.Fatalf("expected clone to be ARCHIVED, got %s", tagged.Capture())
	}
	if tagged.EntryID != orig.EntryID {
		t.Fatalf("clone must keep the entry id")
	}

	s, _ := tagged.Sample()
	s.CDATA = "changed"
	o, _ := orig.Sample()
	if o.CDATA != "1" {
		t.Fatalf("clone shares sample payload with original")
	}
}

func TestEphemeral(t *testing.T) {
	cases := []struct {
		name string
		rec  *Record
		want bool
	}{
		{"status", New("d", time.Now(), &Status{}), true},
		{"current sample", New("d", time.Now(), &Sample{Capture: CaptureCurrent}), true},
		{"archived sample", New("d", time.Now(), &Sample{Capture: CaptureArchived}), false},
		{"data item", New("d", time.Now(), &DataItemDefinition{ID: "x"}), false},
	}
	for _, tc := range cases {
		if got := tc.rec.Ephemeral(); got != tc.want {
			t.Fatalf("%s: expected ephemeral=%v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestKeyUsesItemID(t *testing.T) {
	r := New("dev-1", time.Now(), &DataItemDefinition{ID: "exec"})
	if r.Key() != (Key{DeviceID: "dev-1", ID: "exec"}) {
		t.Fatalf("unexpected key %+v", r.Key())
	}
	if New("dev-1", time.Now(), &Status{}).ItemID() != "" {
		t.Fatalf("status records have no item id")
	}
}
