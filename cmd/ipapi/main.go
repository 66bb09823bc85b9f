package main

import "github.com/globalip/ipapi/cmd/ipapi/cmd"

func main() {
	cmd.Execute()
}
