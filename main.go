package main

import "github.com/nextlevelbuilder/relaydeck/cmd"

func main() {
	cmd.Execute()
}
