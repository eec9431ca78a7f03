package main

import "github.com/autoforwardx/autoforwardx/cmd"

func main() {
	cmd.Execute()
}
