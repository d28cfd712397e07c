package main

import "stemfm/cmd"

func main() {
	cmd.Execute()
}
