package main

import "camrelay/cmd"

func main() {
	cmd.Execute()
}
