// Command stillweb mirrors websites into browsable offline snapshots.
package main

import (
	"github.com/stillweb/stillweb/cmd"
)

func main() {
	cmd.Execute()
}
