package main

import (
	"os"

	"siftworks.dev/sift/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
