package main

import "github.com/nextlevelbuilder/turnbot/cmd"

func main() {
	cmd.Execute()
}
