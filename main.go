package main

import "github.com/user/comply-core/cmd"

func main() {
	cmd.Execute()
}
