package main

import "southwinds.dev/lockbox/cli/cmd"

func main() {
	cmd.Execute()
}
