package main

import (
	"github.com/daedaleanai/edaflow/cmd"
)

func main() {
	cmd.Execute()
}
