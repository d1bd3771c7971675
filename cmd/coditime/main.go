package main

import "github.com/jmcleod/coditime/cmd/coditime/cmd"

func main() {
	cmd.Execute()
}
