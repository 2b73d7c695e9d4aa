package main

import "reviewflow/cmd"

func main() {
	cmd.Execute()
}
