// Package monitor defines the domain types, collaborator interfaces and error
// taxonomy shared by the campaign ingestion, classification and alerting
// subsystems. It must not import storage drivers or transport clients.
package monitor
