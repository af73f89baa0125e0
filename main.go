package main

import "github.com/SharpBit/statsy/cmd"

func main() {
	cmd.Execute()
}
