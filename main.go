package main

import (
	"fmt"
	"os"
)

// Version information
const (
	Version = "0.1.0"
	Name    = "VeriBridge-Engine"
)

func main() {
	fmt.Printf("%s v%s\n", Name, Version)
	fmt.Println("Quorum-based distributed verification engine")
	fmt.Println("Run cmd/veribridge for the node binary")
	os.Exit(0)
}
