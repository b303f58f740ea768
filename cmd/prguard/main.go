// prguard serves guarded pull request tools to an AI agent over stdio.
package main

import "github.com/jbctechsolutions/prguard/internal/presentation/cli/commands"

func main() {
	commands.Execute()
}
