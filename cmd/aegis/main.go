// Aegis incident orchestrator — serves the operational HTTP API, runs the
// incident worker pool, and drives autonomous remediation.
package main

func main() {
	Execute()
}
