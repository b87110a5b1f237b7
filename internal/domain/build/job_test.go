package build

import "testing"

func TestParameterSchemaValidate(t *testing.T) {
	cases := []struct {
		name    string
		schema  ParameterSchema
		wantErr bool
	}{
		{
			name: "ok",
			schema: ParameterSchema{
				{Name: "branch", Type: ParameterTypeString, Default: "main"},
				{Name: "skip_tests", Type: ParameterTypeBool},
			},
		},
		{
			name:    "missing name",
			schema:  ParameterSchema{{Type: ParameterTypeString}},
			wantErr: true,
		},
		{
			name:    "bad type",
			schema:  ParameterSchema{{Name: "x", Type: "float"}},
			wantErr: true,
		},
		{
			name: "duplicate name",
			schema: ParameterSchema{
				{Name: "x", Type: ParameterTypeString},
				{Name: "x", Type: ParameterTypeString},
			},
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.schema.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestParameterSchemaCheckBindings(t *testing.T) {
	schema := ParameterSchema{
		{Name: "branch", Type: ParameterTypeString, Default: "main"},
		{Name: "jdk", Type: ParameterTypeInt, Required: true},
	}

	t.Run("applies default and passes required", func(t *testing.T) {
		resolved, err := schema.CheckBindings(map[string]string{"jdk": "17"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resolved["branch"] != "main" {
			t.Fatalf("expected default applied, got %q", resolved["branch"])
		}
		if resolved["jdk"] != "17" {
			t.Fatalf("expected jdk=17, got %q", resolved["jdk"])
		}
	})

	t.Run("missing required errors", func(t *testing.T) {
		if _, err := schema.CheckBindings(map[string]string{}); err == nil {
			t.Fatalf("expected error for missing required parameter")
		}
	})

	t.Run("type mismatch errors", func(t *testing.T) {
		if _, err := schema.CheckBindings(map[string]string{"jdk": "not-an-int"}); err == nil {
			t.Fatalf("expected error for type mismatch")
		}
	})

	t.Run("unknown parameter errors", func(t *testing.T) {
		if _, err := schema.CheckBindings(map[string]string{"jdk": "17", "bogus": "1"}); err == nil {
			t.Fatalf("expected error for unknown parameter")
		}
	})
}

func TestNewJobID(t *testing.T) {
	a := NewJobID()
	b := NewJobID()
	if a == "" || b == "" || a == b {
		t.Fatalf("expected distinct non-empty ids, got %q and %q", a, b)
	}
}
