package main

import (
	_ "net/http/pprof"

	cmd "github.com/couriernet/courier/src/cmd/courier/command"
)

func main() {
	cmd.Execute()
}
