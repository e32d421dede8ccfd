package main

import (
	"log"
	"os"

	"github.com/devnolife/netsec/cmd"
)

func main() {
	err := cmd.App.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}
