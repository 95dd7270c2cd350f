package compliance

import "testing"

func TestControlsForExactCategory(t *testing.T) {
	controls := ControlsFor("encryption")
	if len(controls) == 0 {
		t.Fatal("expected controls for encryption category")
	}
}

func TestControlsForKeywordClassification(t *testing.T) {
	cases := []struct {
		incidentType string
		wantNonEmpty bool
	}{
		{"windows_defender", true},
		{"windows_update", true},
		{"linux_audit_logging", true},
		{"linux_firewall", true},
		{"bitlocker_status", true},
		{"linux_cert_expiry", true},
		{"linux_disk_space", true},
		{"linux_ssh_config", true},
		{"net_unexpected_ports", true},
		{"linux_ntp_sync", true},
		{"totally_unknown_type", false},
	}

	for _, tc := range cases {
		got := ControlsFor(tc.incidentType)
		if tc.wantNonEmpty && len(got) == 0 {
			t.Errorf("ControlsFor(%q) = empty, want non-empty", tc.incidentType)
		}
		if !tc.wantNonEmpty && len(got) != 0 {
			t.Errorf("ControlsFor(%q) = %v, want empty", tc.incidentType, got)
		}
	}
}

func TestControlsForReturnsIndependentCopy(t *testing.T) {
	a := ControlsFor("encryption")
	b := ControlsFor("encryption")
	if len(a) == 0 || len(b) == 0 {
		t.Fatal("expected non-empty controls")
	}
	a[0] = "mutated"
	if b[0] == "mutated" {
		t.Fatal("ControlsFor should return an independent copy each call")
	}
}
