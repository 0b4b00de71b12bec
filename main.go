package main

import "github.com/kiesman99/numpng/cmd"

func main() {
	cmd.Execute()
}
