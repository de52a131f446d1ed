package main

import "github.com/WiLGYSeF/stalk-sub000/services/archiver/cli"

func main() {
	cli.Execute()
}
