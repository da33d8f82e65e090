// Xmlfetch serves XML feeds fetched by isolated workers, each driven over
// its own message channel.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/xmlfetch.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	workerMode := flag.Bool("worker", false, "run as a fetch worker on stdin/stdout")
	flag.Parse()

	if *showVersion {
		fmt.Println("xmlfetch", version)
		os.Exit(0)
	}

	var err error
	if *workerMode {
		err = runWorker()
	} else {
		err = run(*configPath)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
