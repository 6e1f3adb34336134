/*
Command reportview serves a viewer for DMARC aggregate reports and SMTP TLS
reports delivered to a mailbox. It periodically fetches the mails over IMAP,
extracts and parses the report attachments and serves the aggregated results
over a JSON API.

Usage:

	reportview [-config reportview.conf] serve
	reportview checkconf [file]
	reportview describeconf
	reportview version
*/
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/mjl-/sconf"

	"github.com/mjl-/reportview/config"
)

var configPath = flag.String("config", "reportview.conf", "path to configuration file")

func usage() {
	fmt.Fprintln(os.Stderr, "usage: reportview [-config reportview.conf] serve")
	fmt.Fprintln(os.Stderr, "       reportview checkconf [file]")
	fmt.Fprintln(os.Stderr, "       reportview describeconf")
	fmt.Fprintln(os.Stderr, "       reportview version")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	switch args[0] {
	case "serve":
		cmdServe(*configPath)
	case "checkconf":
		path := *configPath
		if len(args) == 2 {
			path = args[1]
		}
		if _, err := config.Load(path); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s\n", path, err)
			os.Exit(1)
		}
		fmt.Printf("%s: config OK\n", path)
	case "describeconf":
		// Print an annotated example config file.
		err := sconf.Describe(os.Stdout, &config.Static{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "describing config: %s\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version())
	default:
		usage()
	}
}

func version() string {
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		return bi.Main.Version
	}
	return "dev"
}
