package exitcodes

// Exit codes for the stagedoor bootstrap sequencer.
// These codes form the operational contract with the container runtime:
// preparatory steps that run external commands propagate the child's exit
// code verbatim instead of these.
const (
	Success       = 0 // Never observed on the happy path; exec replaces the process
	InvalidConfig = 2 // Configuration invalid or missing
	WaitFailed    = 3 // Dependency wait failed or timed out
	MigrateFailed = 4 // Schema migration failure
	CollectFailed = 5 // Static asset collection failure
	ExecFailed    = 6 // Final command could not be resolved or executed
)
