package plugin

import "testing"

func TestIsSupportedType(t *testing.T) {
	if !IsSupportedType(TypeShell) {
		t.Fatal("expected shell type to be supported")
	}
	if !IsSupportedType(TypeTerraform) {
		t.Fatal("expected terraform type to be supported")
	}
	if IsSupportedType(Type("ansible")) {
		t.Fatal("did not expect ansible type to be supported")
	}
}
