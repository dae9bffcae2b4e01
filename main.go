package main

import "github.com/gorpbot/gorp/cmd"

func main() {
	cmd.Execute()
}
