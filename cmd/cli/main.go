// Package main is the entry point for the carbontrace admin CLI.
package main

import "os"

func main() {
	os.Exit(Execute())
}
