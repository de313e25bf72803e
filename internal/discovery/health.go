// internal/discovery/health.go
package discovery

import "github.com/FairForge/replimon/internal/rpo"

// Vendor status codes carry fixed severities. Unknown codes rate as
// warning: drifted firmware vocabularies must not read as healthy.
var journalStatusSeverity = map[string]rpo.Severity{
	"SMPL": rpo.SeverityNormal,
	"PJNN": rpo.SeverityNormal,
	"SJNN": rpo.SeverityNormal,
	"PJNS": rpo.SeverityWarning,
	"SJNS": rpo.SeverityWarning,
	"PJNF": rpo.SeverityWarning,
	"SJNF": rpo.SeverityWarning,
	"PJSN": rpo.SeverityWarning,
	"SJSN": rpo.SeverityWarning,
	"PJSF": rpo.SeverityCritical,
	"SJSF": rpo.SeverityCritical,
	"PJSE": rpo.SeverityCritical,
	"SJSE": rpo.SeverityCritical,
}

var pairStatusSeverity = map[string]rpo.Severity{
	"PAIR": rpo.SeverityNormal,
	"COPY": rpo.SeverityWarning,
	"PSUS": rpo.SeverityCritical,
	"SSUS": rpo.SeverityCritical,
	"PSUE": rpo.SeverityCritical,
	"SSWS": rpo.SeverityCritical,
	"PFUS": rpo.SeverityCritical,
}

// JournalStatusSeverity rates one journal mirror status. Unknown codes
// rate as warning.
func JournalStatusSeverity(status string) rpo.Severity {
	if severity, ok := journalStatusSeverity[status]; ok {
		return severity
	}
	return rpo.SeverityWarning
}

func severityRank(s rpo.Severity) int {
	switch s {
	case rpo.SeverityCritical:
		return 2
	case rpo.SeverityWarning:
		return 1
	default:
		return 0
	}
}

// classifyGroupHealth scans every journal and pair status in the group
// and takes the worst.
func classifyGroupHealth(journalStatuses, pairStatuses []string) rpo.Severity {
	worst := rpo.SeverityNormal

	consider := func(severity rpo.Severity) {
		if severityRank(severity) > severityRank(worst) {
			worst = severity
		}
	}

	for _, status := range journalStatuses {
		consider(JournalStatusSeverity(status))
	}
	for _, status := range pairStatuses {
		severity, ok := pairStatusSeverity[status]
		if !ok {
			severity = rpo.SeverityWarning
		}
		consider(severity)
	}

	return worst
}
