// Package compliance holds the HIPAA control mappings shared by the
// escalation ticket builder and the learning loop's promoted-rule metadata,
// so both always cite the same control for a given incident/check type.
package compliance

import "strings"

// category is one of the coarse compliance categories an incident_type is
// classified into before looking up its controls.
type category string

const (
	categoryPatching   category = "patching"
	categoryAVEDR      category = "av_edr"
	categoryBackup     category = "backup"
	categoryLogging    category = "logging"
	categoryFirewall   category = "firewall"
	categoryEncryption category = "encryption"
	categoryCert       category = "cert_expiry"
	categoryDiskSpace  category = "disk_space"
	categoryService    category = "service_crash"
	categorySSH        category = "ssh_config"
	categoryAccount    category = "account_policy"
	categoryNetwork    category = "network_exposure"
	categoryNTP        category = "time_sync"
)

var controlsByCategory = map[category][]string{
	categoryPatching:   {"164.308(a)(5)(ii)(B)"},
	categoryAVEDR:      {"164.308(a)(5)(ii)(B)"},
	categoryBackup:     {"164.308(a)(7)(ii)(A)", "164.310(d)(2)(iv)"},
	categoryLogging:    {"164.312(b)", "164.308(a)(1)(ii)(D)"},
	categoryFirewall:   {"164.312(e)(1)", "164.312(a)(1)"},
	categoryEncryption: {"164.312(a)(2)(iv)", "164.312(e)(2)(ii)"},
	categoryCert:       {"164.312(e)(1)", "164.312(e)(2)(ii)"},
	categoryDiskSpace:  {"164.308(a)(7)(ii)(A)"},
	categoryService:    {"164.312(b)"},
	categorySSH:        {"164.312(a)(1)", "164.312(e)(1)"},
	categoryAccount:    {"164.308(a)(5)(ii)(D)", "164.312(d)"},
	categoryNetwork:    {"164.312(e)(1)", "164.312(a)(1)"},
	categoryNTP:        {"164.312(b)"},
}

// keywordCategories classifies an incident/check type by substring match,
// ordered most-specific first since a type can contain more than one keyword
// (e.g. "linux_audit_logging" contains both "audit" and "logging").
var keywordCategories = []struct {
	keyword string
	cat     category
}{
	{"defender", categoryAVEDR},
	{"av_edr", categoryAVEDR},
	{"antivirus", categoryAVEDR},
	{"update", categoryPatching},
	{"patch", categoryPatching},
	{"backup", categoryBackup},
	{"audit", categoryLogging},
	{"logging", categoryLogging},
	{"log_forwarding", categoryLogging},
	{"firewall", categoryFirewall},
	{"bitlocker", categoryEncryption},
	{"encrypt", categoryEncryption},
	{"smb_signing", categoryEncryption},
	{"smb1", categoryEncryption},
	{"cert_expiry", categoryCert},
	{"cert", categoryCert},
	{"disk_space", categoryDiskSpace},
	{"suid", categoryAccount},
	{"user_account", categoryAccount},
	{"rogue_admin", categoryAccount},
	{"guest_account", categoryAccount},
	{"password_policy", categoryAccount},
	{"screen_lock", categoryAccount},
	{"rdp_nla", categoryNetwork},
	{"open_ports", categoryNetwork},
	{"unexpected_ports", categoryNetwork},
	{"expected_service", categoryNetwork},
	{"dns_config", categoryNetwork},
	{"network_profile", categoryNetwork},
	{"ssh_config", categorySSH},
	{"ntp", categoryNTP},
	{"failed_services", categoryService},
	{"agent_status", categoryService},
	{"scheduled_tasks", categoryAccount},
	{"kernel_params", categoryNetwork},
	{"file_permissions", categoryAccount},
	{"unattended_upgrades", categoryPatching},
	{"cron_review", categoryAccount},
}

// ControlsFor returns the HIPAA controls implicated by an incident or check
// type, classifying it by keyword when there's no exact category match. Nil
// when nothing matches — the caller falls back to a generic compliance note.
func ControlsFor(incidentType string) []string {
	lowered := strings.ToLower(incidentType)

	if controls, ok := controlsByCategory[category(lowered)]; ok {
		return cloneControls(controls)
	}

	for _, kc := range keywordCategories {
		if strings.Contains(lowered, kc.keyword) {
			return cloneControls(controlsByCategory[kc.cat])
		}
	}

	return nil
}

func cloneControls(controls []string) []string {
	if controls == nil {
		return nil
	}
	out := make([]string, len(controls))
	copy(out, controls)
	return out
}
