package main

import "github.com/vietddude/nodegate/internal/cli"

func main() {
	cli.Execute()
}
