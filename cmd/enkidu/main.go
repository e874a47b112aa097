package main

import "github.com/felixgeelhaar/enkidu/cmd/enkidu/cli"

func main() {
	cli.Execute()
}
