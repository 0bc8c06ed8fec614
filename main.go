package main

import (
	"fmt"
	"os"

	"github.com/fzft/go-nano-aio/cmd"
	"github.com/fzft/go-nano-aio/log"
)

func main() {
	log.InitLogger()

	addr := "127.0.0.1:7070"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}
	if err := cmd.RunEcho(addr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
