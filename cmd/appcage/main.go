package main

import (
	"appcage/internal/cli"
)

func main() {
	cli.Execute()
}
