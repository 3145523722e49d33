package main

import "github.com/hivemesh/hivehub/cmd"

func main() {
	cmd.Execute()
}
