// Command adaptived runs the adaptive decision core: it ingests learning
// events, scores them through the bulkheaded signal sources and emits a
// progression decision per event within the latency budget.
package main

import (
	"os"
)

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
