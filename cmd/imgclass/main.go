package main

import "github.com/rpggio/imgclass/cmd/imgclass/commands"

func main() {
	commands.Execute()
}
