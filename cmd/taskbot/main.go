package main

import "github.com/marcus/taskbot/cmd/taskbot/commands"

func main() {
	commands.Execute()
}
