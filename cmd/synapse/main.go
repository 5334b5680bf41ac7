// Command synapse runs the adaptive learner modelling platform.
package main

import "github.com/fluentloop/synapse/internal/cli"

func main() {
	cli.Execute()
}
