package main

import "github.com/andresmejia3/swapline/cmd"

func main() {
	cmd.Execute()
}
