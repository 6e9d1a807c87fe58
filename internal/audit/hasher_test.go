package audit

import "testing"

func TestComputeEventID_Deterministic(t *testing.T) {
	data := []byte("test event payload")
	h1 := ComputeEventID(data)
	h2 := ComputeEventID(data)

	if len(h1) != 32 {
		t.Fatalf("expected 32 bytes, got %d", len(h1))
	}
	for i := range h1 {
		if h1[i] != h2[i] {
			t.Fatal("hashes differ for same input")
		}
	}
}

func TestComputeEventID_DifferentInputs(t *testing.T) {
	h1 := ComputeEventID([]byte("event A"))
	h2 := ComputeEventID([]byte("event B"))

	same := true
	for i := range h1 {
		if h1[i] != h2[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("hashes should differ for different inputs")
	}
}
