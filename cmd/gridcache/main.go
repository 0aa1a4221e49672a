// Command gridcache browses and edits large tables through a sparse grid
// cache backed by SQLite or PostgreSQL.
package main

import (
	"os"

	"github.com/mesh-intelligence/gridcache/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
