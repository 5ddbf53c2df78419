package main

import "github.com/dhcgn/mbox-threader/cmd"

func main() {
	cmd.Execute()
}
