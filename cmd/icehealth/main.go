package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/xpadev-net/ice-launcher/internal/health"
)

// version is set at build time.
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("icehealth", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		host        string
		port        int
		verbose     bool
		showVersion bool
		timeout     time.Duration
	)
	fs.StringVar(&host, "host", "localhost", "ice-launcher host")
	fs.IntVar(&port, "port", 9854, "ice-launcher port")
	fs.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	fs.BoolVarP(&showVersion, "version", "V", false, "Print version and exit")
	fs.DurationVar(&timeout, "timeout", 10*time.Second, "status request timeout")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if showVersion {
		fmt.Fprintf(stdout, "icehealth %s, %s\n", version, runtime.Version())
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	baseURL := "http://" + net.JoinHostPort(host, strconv.Itoa(port))
	snap, err := health.Fetch(ctx, &http.Client{Timeout: timeout}, baseURL)
	if err != nil {
		fmt.Fprintf(stderr, "Error getting ice-launcher status: %v\n", err)
		return 1
	}

	report := health.Check(snap)
	if verbose || report.Errors > 0 || report.Warnings > 0 {
		out := stdout
		if report.Errors > 0 || report.Warnings > 0 {
			out = stderr
		}
		for _, msg := range report.Messages {
			fmt.Fprintln(out, msg)
		}
	}

	if report.OK() {
		fmt.Fprintln(stdout, report.Summary())
		return 0
	}
	fmt.Fprintln(stderr, report.Summary())
	if report.Errors > 125 {
		return 125
	}
	return report.Errors
}
