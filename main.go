package main

import "github.com/caedis/bundle-sync/cmd"

func main() {
	cmd.Execute()
}
