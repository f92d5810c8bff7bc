// vigilantctl - offline auditing for Vigilant threat ledgers
package main

import "github.com/mbd888/vigilant/internal/cli"

// Version is set by ldflags.
var Version = "dev"

func main() {
	cli.Version = Version
	cli.Execute()
}
