package domain

import "testing"

func TestScopeValidateRejectsCommaInDatasetID(t *testing.T) {
	err := Scope{OrganizationID: "org-1", DatasetIDs: []string{"ds-1", "a,b"}}.Validate()
	if !IsKind(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if err := (Scope{OrganizationID: "org-1", DatasetIDs: []string{"ds-1"}}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestScopeKeyKeepsDatasetBoundaries(t *testing.T) {
	a := Scope{OrganizationID: "org-1", DatasetIDs: []string{"a,b"}}.Key()
	b := Scope{OrganizationID: "org-1", DatasetIDs: []string{"b", "a"}}.Key()
	if a == b {
		t.Fatalf("expected distinct keys, got %s", a)
	}
	if b != (Scope{OrganizationID: " org-1 ", DatasetIDs: []string{"a", "b", "a"}}).Key() {
		t.Fatalf("expected key to ignore order, whitespace and duplicates")
	}
}
