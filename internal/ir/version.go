package ir

// Version constants recorded with every run.
const (
	// RecordVersion is the schema version of ledger records and bundles.
	RecordVersion = "1"

	// EngineVersion is the execution engine version.
	EngineVersion = "0.3.0"
)
