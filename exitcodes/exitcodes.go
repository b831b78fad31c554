// Package exitcodes defines the standard exit codes used by op-orderer.
package exitcodes

// Exit code constants used by op-orderer
// These constants define the exit codes that the application uses to indicate
// various states when it exits:
//
// * Success (0): Used when every suite in the run passes
// * RunFailure (1): Used when one or more tests fail or a suite aborts
// * RuntimeErr (2): Used for runtime errors such as panics, timeouts or other failures
const (
	Success    = 0 // All suites pass
	RunFailure = 1 // Test failures or aborted suites
	RuntimeErr = 2 // Runtime errors or timeouts
)
