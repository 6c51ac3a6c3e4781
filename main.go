package main

import "github.com/frahmantamala/rental-fulfillment/cmd"

func main() {
	cmd.Execute()
}
