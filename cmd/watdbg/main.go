package main

import "github.com/watdbg/watdbg/cmd/watdbg/cmd"

func main() {
	cmd.Execute()
}
