package eventstore

import "strings"

// GlobalIncidentsChannel carries lifecycle notifications for every incident,
// for list views and fleet dashboards.
const GlobalIncidentsChannel = "incidents"

// IncidentChannel returns the NOTIFY channel name for one incident stream.
// Postgres identifiers cap at 63 bytes; UUIDs with the prefix fit comfortably.
func IncidentChannel(incidentID string) string {
	// Hyphens are legal in quoted identifiers but normalize anyway so channel
	// names survive unquoted LISTEN statements.
	return "incident_" + strings.ReplaceAll(incidentID, "-", "_")
}
