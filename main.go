package main

import "github.com/M3kH/gigi/cmd"

func main() {
	cmd.Execute()
}
