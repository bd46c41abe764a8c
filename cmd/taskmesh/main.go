// Command taskmesh runs a taskmesh node or a one-off sandboxed script.
package main

import "github.com/seantiz/taskmesh/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
