package validator

import (
	"strings"
	"testing"
)

type answerAction struct {
	ItemID string `json:"item_id" binding:"required,item_id"`
	Index  *int   `json:"index" binding:"omitempty,min=0"`
}

func TestStruct(t *testing.T) {
	Setup()

	if errs := Struct(&answerAction{ItemID: "q-1"}); errs != nil {
		t.Fatalf("expected valid, got %v", errs)
	}

	errs := Struct(&answerAction{ItemID: "q 1\n"})
	if errs["item_id"] == "" {
		t.Fatalf("expected item_id error, got %v", errs)
	}

	errs = Struct(&answerAction{})
	if errs["item_id"] != "item_id is a required field" {
		t.Fatalf("unexpected required message %v", errs)
	}

	neg := -1
	errs = Struct(&answerAction{ItemID: "q1", Index: &neg})
	if errs["index"] == "" {
		t.Fatalf("expected index error, got %v", errs)
	}
}

func TestValidID(t *testing.T) {
	for _, s := range []string{"intro-to-go", "42", "learner:7", "a.b_c"} {
		if !ValidID(s) {
			t.Errorf("%q should be valid", s)
		}
	}
	for _, s := range []string{"", "has space", "slash/inside", strings.Repeat("x", 65)} {
		if ValidID(s) {
			t.Errorf("%q should be rejected", s)
		}
	}
}
