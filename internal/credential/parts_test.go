package credential

import "testing"

func strPtr(s string) *string { return &s }

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		parts  Parts
		encStr string
	}{
		{"all fields", Parts{RefreshToken: "r1", ProjectID: "p1", ManagedProject: strPtr("m1")}, "r1|p1|m1"},
		{"empty managed, trailing kept", Parts{RefreshToken: "r1", ProjectID: "p1", ManagedProject: strPtr("")}, "r1|p1|"},
		{"only refresh token", Parts{RefreshToken: "r1", ManagedProject: strPtr("")}, "r1||"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EncodeParts(tt.parts)
			if got != tt.encStr {
				t.Fatalf("EncodeParts() = %q, want %q", got, tt.encStr)
			}
			decoded, err := Decode(got)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if decoded.RefreshToken != tt.parts.RefreshToken || decoded.ProjectID != tt.parts.ProjectID || decoded.ManagedProjectValue() != tt.parts.ManagedProjectValue() {
				t.Fatalf("Decode() = %+v, want %+v", decoded, tt.parts)
			}
		})
	}
}

// spec.md: "refresh|proj|" and "refresh|proj" must decode differently.
// Both carry the same project id and no non-empty managed project, but the
// managed-project segment's presence itself differs: one is an explicit
// empty segment, the other is entirely absent.
func TestDecodeDistinguishesTrailingEmptySegment(t *testing.T) {
	withTrailingBar, err := Decode("refresh|proj|")
	if err != nil {
		t.Fatalf("Decode(refresh|proj|) error = %v", err)
	}
	withoutTrailingBar, err := Decode("refresh|proj")
	if err != nil {
		t.Fatalf("Decode(refresh|proj) error = %v", err)
	}

	if !withTrailingBar.HasManagedProject() {
		t.Fatal("expected refresh|proj| to carry a present (if empty) managed project segment")
	}
	if withoutTrailingBar.HasManagedProject() {
		t.Fatal("expected refresh|proj to carry no managed project segment at all")
	}
	if withTrailingBar.ManagedProjectValue() != "" || withoutTrailingBar.ManagedProjectValue() != "" {
		t.Fatal("neither form should carry a non-empty managed project id")
	}
	if withTrailingBar.ProjectID != withoutTrailingBar.ProjectID {
		t.Fatalf("both forms should decode the same project id")
	}
}

func TestDecodeRejectsEmptyFirstSegment(t *testing.T) {
	if _, err := Decode(""); err == nil {
		t.Fatal("Decode(\"\") expected MalformedCredential error")
	}
	if _, err := Decode("|proj|managed"); err == nil {
		t.Fatal("Decode with empty refresh token expected MalformedCredential error")
	}
}
