package schema

import "testing"

func TestTermValid(t *testing.T) {
	t.Parallel()
	for _, term := range Terms() {
		if !term.Valid() {
			t.Fatalf("expected %q to be valid", term)
		}
	}
	for _, bad := range []Term{"", "TERM_4", "term_1"} {
		if bad.Valid() {
			t.Fatalf("expected %q to be invalid", bad)
		}
	}
}

func TestScopeValidate(t *testing.T) {
	t.Parallel()
	good := Scope{TenantID: "alpha", SubjectID: "MATH", GradeLevelID: "4", Term: Term1}
	if err := good.Validate(); err != nil {
		t.Fatalf("expected valid scope, got %v", err)
	}
	tests := []struct {
		name  string
		scope Scope
	}{
		{name: "missing tenant", scope: Scope{SubjectID: "MATH", GradeLevelID: "4", Term: Term1}},
		{name: "missing subject", scope: Scope{TenantID: "alpha", GradeLevelID: "4", Term: Term1}},
		{name: "missing grade", scope: Scope{TenantID: "alpha", SubjectID: "MATH", Term: Term1}},
		{name: "bad term", scope: Scope{TenantID: "alpha", SubjectID: "MATH", GradeLevelID: "4", Term: "TERM_9"}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.scope.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestCATitle(t *testing.T) {
	t.Parallel()
	if got := CATitle(1); got != "CA 1" {
		t.Fatalf("expected %q, got %q", "CA 1", got)
	}
	if got := CATitle(12); got != "CA 12" {
		t.Fatalf("expected %q, got %q", "CA 12", got)
	}
}
