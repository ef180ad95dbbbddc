package main

import "github.com/aserec/itemdesk/cmd"

func main() {
	cmd.Execute()
}
