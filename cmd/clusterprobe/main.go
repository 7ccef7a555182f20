// clusterprobe is a small diagnostic program: it builds a kvmesh.Client
// from seed addresses given on the command line, waits for one tend
// iteration, and prints the discovered node table and partition-map
// ownership summary. It is not part of the core library — the library is
// always embedded, never the other way around — it exists only to
// exercise the client the way a real consumer would.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/kvmesh/kvmesh-go/internal/cluster"
	"github.com/kvmesh/kvmesh-go/pkg/kvmesh"
)

func main() {
	seedFlag := flag.String("seeds", "127.0.0.1:3000", "comma-separated seed host:port list")
	timeout := flag.Duration("timeout", 5*time.Second, "tend timeout")
	flag.Parse()

	out := colorable.NewColorableStdout()
	color.NoColor = !isatty.IsTerminal(os.Stdout.Fd())

	seeds := splitSeeds(*seedFlag)
	if len(seeds) == 0 {
		fmt.Fprintln(os.Stderr, "clusterprobe: no seeds given")
		os.Exit(1)
	}

	policy := kvmesh.DefaultClientPolicy()
	policy.Cluster.DialTimeout = *timeout
	policy.Cluster.FailIfNotConnected = true

	cl, err := kvmesh.New(seeds, policy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clusterprobe: building client: %v\n", err)
		os.Exit(1)
	}
	defer cl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	started := time.Now()
	stats, err := cl.Tend(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clusterprobe: tend failed: %v\n", err)
		os.Exit(1)
	}

	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	bold.Fprintln(out, "cluster state")
	fmt.Fprintf(out, "  tend duration:     %s\n", humanize.RelTime(started, time.Now(), "", ""))
	fmt.Fprintf(out, "  active nodes:      %d\n", stats.ActiveNodes)
	fmt.Fprintf(out, "  peers discovered:  %d\n", stats.PeersDiscovered)
	fmt.Fprintf(out, "  partitions moved:  %d\n", stats.PartitionsChanged)
	fmt.Fprintln(out)

	printNodes(out, cl.Cluster(), green, yellow)
	printPartitions(out, cl.Cluster())
}

func splitSeeds(s string) []cluster.Host {
	var hosts []cluster.Host
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				hosts = append(hosts, cluster.Host{Address: s[start:i]})
			}
			start = i + 1
		}
	}
	return hosts
}

func printNodes(out io.Writer, c *cluster.Cluster, active, inactive *color.Color) {
	fmt.Fprintln(out, "nodes:")
	for _, nd := range c.Nodes() {
		stateLabel := "inactive"
		printer := inactive
		if nd.State() == cluster.StateActive {
			stateLabel = "active"
			printer = active
		}
		printer.Fprintf(out, "  %-24s %-8s addr=%s errors=%d failures=%d\n",
			nd.Name(), stateLabel, nd.Host().Address, nd.CommandErrors(), nd.Failures())
	}
}

func printPartitions(out io.Writer, c *cluster.Cluster) {
	pm := c.PartitionMap()
	namespaces := pm.Namespaces()
	if len(namespaces) == 0 {
		fmt.Fprintln(out, "partitions: none discovered yet")
		return
	}

	fmt.Fprintln(out, "partitions:")
	for _, ns := range namespaces {
		parts, ok := pm.Get(ns)
		if !ok {
			continue
		}
		owned := 0
		for _, name := range parts.Replicas[0] {
			if name != "" {
				owned++
			}
		}
		fmt.Fprintf(out, "  %-16s replicas=%d owned(master)=%s/%s\n",
			ns, parts.ReplicaCount, humanize.Comma(int64(owned)), humanize.Comma(int64(cluster.PartitionCount)))
	}
}
