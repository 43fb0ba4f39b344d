// Command harvest is the tileharvester CLI: concurrent tile fetching into
// a filesystem tree or MBTiles sink, with a reference HTTP front-end and
// an offline MBTiles merge tool.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
