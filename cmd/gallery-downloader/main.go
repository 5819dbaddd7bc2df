package main

import (
	"go-gallery-download/cmd/gallery-downloader/cmd"
	"go-gallery-download/internal/api"
)

func main() {
	// Flush and close any API log files on exit
	defer api.CloseAllLoggingTransports()

	cmd.Execute()
}
