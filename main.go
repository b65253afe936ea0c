package main

import "github.com/arcward/squadbot/cmd"

func main() {
	cmd.Execute()
}
