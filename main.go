package main

import "github.com/Nebiros96/ScrobblingAnalysis/cmd"

func main() {
	cmd.Execute()
}
