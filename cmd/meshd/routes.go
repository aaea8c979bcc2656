package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/pflag"

	"github.com/dray-io/meshsync/internal/server"
)

func runRoutes(args []string) {
	fs := pflag.NewFlagSet("routes", pflag.ContinueOnError)
	addr := fs.StringP("addr", "a", "localhost:8085", "Health endpoint address of the node to query")
	prefix := fs.StringP("route", "r", "", "Only show routes with this prefix")
	timeout := fs.Duration("timeout", 10*time.Second, "Request timeout")

	fs.Usage = func() {
		fmt.Println(`Usage: meshd routes [options]

Print the routing table of a running node.

Options:`)
		fs.PrintDefaults()
	}
	parseFlags(fs, args)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	view, err := server.FetchRoutes(ctx, &http.Client{Timeout: *timeout}, *addr, *prefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to fetch routes: %v\n", err)
		os.Exit(1)
	}
	printRoutes(os.Stdout, view)
}

// printRoutes renders view as a summary line and a route table.
func printRoutes(w io.Writer, view server.RoutesView) {
	fmt.Fprintf(w, "Origin:   %s\n", view.Origin)
	fmt.Fprintf(w, "Checksum: %s\n", view.Checksum)
	fmt.Fprintf(w, "Peers:    %s\n\n", strings.Join(view.Peers, ", "))

	rows := make([][]string, 0, len(view.Routes))
	for _, b := range view.Routes {
		rows = append(rows, []string{b.Route, b.Origin, b.Personality})
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Route", "Origin", "Personality"})
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.AppendBulk(rows)
	table.Render()

	fmt.Fprintf(w, "\n%d routes\n", len(rows))
}
