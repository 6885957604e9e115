package main

import "github.com/dhcgn/newsletter-archive/cmd"

func main() {
	cmd.Execute()
}
