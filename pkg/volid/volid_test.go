package volid

import "testing"

func TestValidateStorageID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"simple", "local", false},
		{"single letter", "a", true},
		{"with digits and dash", "my-store1", false},
		{"with dot", "nfs.backup", false},
		{"empty", "", true},
		{"uppercase", "Local", true},
		{"leading digit", "1local", true},
		{"trailing dash", "local-", true},
		{"leading dash", "-local", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStorageID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateStorageID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestParseVolumeID(t *testing.T) {
	v, err := ParseVolumeID("local:100/vm-100-disk-1.qcow2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.StoreID != "local" || v.VolName != "100/vm-100-disk-1.qcow2" {
		t.Fatalf("unexpected parse result: %+v", v)
	}
	if v.String() != "local:100/vm-100-disk-1.qcow2" {
		t.Fatalf("round-trip mismatch: %s", v.String())
	}
}

func TestParseVolumeIDErrors(t *testing.T) {
	tests := []string{"", "nocolon", "Local:vol", "1bad:vol", ":vol"}
	for _, s := range tests {
		if _, err := ParseVolumeID(s); err == nil {
			t.Errorf("ParseVolumeID(%q) expected error, got nil", s)
		}
	}
}

func TestFormatVolumeID(t *testing.T) {
	got := FormatVolumeID("local", "iso/debian.iso")
	want := "local:iso/debian.iso"
	if got != want {
		t.Fatalf("FormatVolumeID() = %q, want %q", got, want)
	}
}
