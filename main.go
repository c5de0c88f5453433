package main

import "github.com/sunbk201/netprobe/cmd"

func main() {
	cmd.Execute()
}
