package healing

import "strings"

// CanonicalActions is the exhaustive, case-sensitive set of actions the L1
// engine and L2 planner may bind a rule or decision to directly. Anything
// outside this set — other than a run_runbook:<ID> reference or the legacy
// translation table, both handled only by the host executor — is refused.
var CanonicalActions = []string{
	"update_to_baseline_generation",
	"restart_av_service",
	"run_backup_job",
	"restart_logging_services",
	"restore_firewall_baseline",
	"renew_certificate",
	"cleanup_disk_space",
	"restart_service",
	"clear_cache",
	"rotate_logs",
	"escalate",
}

// IsCanonicalAction reports whether action is a member of CanonicalActions.
func IsCanonicalAction(action string) bool {
	for _, a := range CanonicalActions {
		if a == action {
			return true
		}
	}
	return false
}

// IsRunbookAction reports whether action references a host-executor runbook
// (run_runbook:<ID>), the one non-canonical form the allow-list still
// accepts — resolution happens downstream in the executor, not here.
func IsRunbookAction(action string) bool {
	return strings.HasPrefix(action, "run_runbook:")
}

func cond(field string, op MatchOperator, value interface{}) RuleCondition {
	return RuleCondition{Field: field, Operator: op, Value: value}
}

func driftRule(id, checkType, action string, priority int) *Rule {
	return &Rule{
		ID:      id,
		Name:    id,
		Action:  action,
		Enabled: true,
		Conditions: []RuleCondition{
			cond("check_type", OpEquals, checkType),
			cond("drift_detected", OpEquals, true),
		},
		Priority:        priority,
		CooldownSeconds: 300,
		MaxRetries:      1,
		Source:          "builtin",
	}
}

func runbookRule(id, checkType string, priority int) *Rule {
	return driftRule(id, checkType, "run_runbook:"+id, priority)
}

// builtinRules seeds the engine with the default coverage called out in
// spec.md §4.2 — patching, AV/EDR, backup recency and success, logging
// services, firewall baseline drift, encryption (always escalates),
// certificate expiry, disk space, and service crash loops — plus an
// OS-specific drift catalog bound to run_runbook:<ID> actions. Of that
// catalog, linuxscan.go emits only linux_firewall, and driftscan.go emits
// smb_signing, network_profile, screen_lock_policy, bitlocker_status,
// dns_config, defender_exclusions and smb1_protocol; the remaining check
// types are emitted by none of the scanners, and netscan.go's net_* check
// types match no rule here.
func builtinRules() []*Rule {
	rules := []*Rule{
		// --- spec.md §4.2 seed categories ---
		driftRule("L1-PATCH-001", "os_patching", "update_to_baseline_generation", 10),
		driftRule("L1-AV-001", "av_service", "restart_av_service", 15),
		driftRule("L1-BACKUP-RECENCY-001", "backup_recency", "run_backup_job", 20),
		driftRule("L1-BACKUP-SUCCESS-001", "backup_success", "run_backup_job", 21),
		driftRule("L1-LOG-001", "logging_services", "restart_logging_services", 25),
		{
			ID:      "L1-FW-001",
			Name:    "L1-FW-001",
			Action:  "escalate",
			Enabled: true,
			Conditions: []RuleCondition{
				cond("check_type", OpEquals, "firewall_status"),
				cond("drift_detected", OpEquals, true),
				cond("managed_by_gpo", OpEquals, true),
			},
			Priority:        4,
			CooldownSeconds: 300,
			MaxRetries:      1,
			Source:          "builtin",
		},
		driftRule("L1-FW-002", "firewall_status", "restore_firewall_baseline", 5),
		{
			ID:      "L1-ENCRYPT-001",
			Name:    "L1-ENCRYPT-001",
			Action:  "escalate",
			Enabled: true,
			Conditions: []RuleCondition{
				cond("check_type", OpEquals, "encryption"),
				cond("drift_detected", OpEquals, true),
			},
			Priority:        1,
			CooldownSeconds: 300,
			MaxRetries:      1,
			Source:          "builtin",
		},
		{
			ID:      "L1-CERT-001",
			Name:    "L1-CERT-001",
			Action:  "renew_certificate",
			Enabled: true,
			Conditions: []RuleCondition{
				cond("incident_type", OpEquals, "cert_expiry"),
				cond("details.days_remaining", OpLessThan, float64(30)),
			},
			Priority:        30,
			CooldownSeconds: 86400,
			MaxRetries:      1,
			Source:          "builtin",
		},
		{
			ID:      "L1-DISK-001",
			Name:    "L1-DISK-001",
			Action:  "cleanup_disk_space",
			Enabled: true,
			Conditions: []RuleCondition{
				cond("incident_type", OpEquals, "disk_space"),
				cond("details.usage_percent", OpGreaterThan, float64(90)),
			},
			Priority:        31,
			CooldownSeconds: 3600,
			MaxRetries:      1,
			Source:          "builtin",
		},
		driftRule("L1-CRASH-001", "service_crash_loop", "restart_service", 35),

		// --- Linux drift rules ---
		runbookRule("L1-SSH-001", "ssh_config", 40),
		runbookRule("L1-KERN-001", "kernel", 41),
		runbookRule("L1-CRON-001", "cron", 42),
		runbookRule("L1-LIN-AUDIT-001", "audit", 43),
		runbookRule("L1-LIN-CRYPTO-001", "crypto", 44),
		runbookRule("L1-LIN-IR-001", "incident_response", 45),
		runbookRule("L1-LIN-BANNER-001", "banner", 46),
		runbookRule("L1-LIN-NET-001", "network", 47),
		runbookRule("L1-LIN-SUDO-001", "sudo_config", 48),
		runbookRule("L1-LIN-FW-001", "linux_firewall", 49),

		// --- Windows drift rules ---
		runbookRule("L1-WIN-SVC-DNS", "service_dns", 50),
		runbookRule("L1-WIN-SEC-SMB", "smb_signing", 51),
		runbookRule("L1-WIN-SVC-WUAUSERV", "service_wuauserv", 52),
		runbookRule("L1-WIN-NET-PROFILE", "network_profile", 53),
		runbookRule("L1-WIN-SEC-SCREENLOCK", "screen_lock_policy", 54),
		runbookRule("L1-WIN-SEC-BITLOCKER", "bitlocker_status", 55),
		runbookRule("L1-WIN-SVC-NETLOGON", "service_netlogon", 56),
		runbookRule("L1-WIN-DNS-HIJACK", "dns_config", 57),
		runbookRule("L1-WIN-SEC-DEFENDER-EXCL", "defender_exclusions", 58),
		runbookRule("L1-PERSIST-TASK-001", "scheduled_task_persistence", 59),
		runbookRule("L1-PERSIST-REG-001", "registry_run_persistence", 60),
		runbookRule("L1-WIN-SEC-SMB1", "smb1_protocol", 61),
		runbookRule("L1-PERSIST-WMI-001", "wmi_event_persistence", 62),
		runbookRule("L1-WIN-SVC-SPOOLER", "service_spooler", 63),
		runbookRule("L1-WIN-SEC-RDP", "rdp_security", 64),
		runbookRule("L1-WIN-SEC-UAC", "uac_policy", 65),
	}

	return rules
}
