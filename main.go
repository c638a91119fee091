package main

import "velora-sync/cmd"

func main() {
	cmd.Run()
}
