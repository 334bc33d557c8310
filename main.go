package main

import "nbflow/engine_go/cmd"

func main() {
	cmd.Execute()
}
