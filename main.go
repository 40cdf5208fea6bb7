package main

import "github.com/leaneb/SnedBot/cmd"

func main() {
	cmd.Execute()
}
