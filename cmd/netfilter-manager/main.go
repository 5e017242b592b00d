// Command netfilter-manager is a thin CLI over internal/enforcement.Adapter
// for administering the agent's managed nftables ruleset outside of a
// running core: init, cleanup, block-ip, block-port, list, save.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"

	"github.com/threatflux/edrcore/internal/enforcement"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(3)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	adapter := enforcement.New(logger)
	ctx := context.Background()

	var err error
	switch os.Args[1] {
	case "init":
		err = adapter.Init(ctx)
	case "cleanup":
		err = adapter.Teardown(ctx)
	case "block-ip":
		if len(os.Args) < 3 {
			usage()
			os.Exit(3)
		}
		var id int
		id, err = adapter.BlockIP(ctx, os.Args[2])
		if err == nil {
			fmt.Printf("rule %d installed: block-ip %s\n", id, os.Args[2])
		}
	case "block-port":
		if len(os.Args) < 3 {
			usage()
			os.Exit(3)
		}
		var port uint64
		port, err = strconv.ParseUint(os.Args[2], 10, 16)
		if err != nil {
			fmt.Fprintf(os.Stderr, "netfilter-manager: invalid port %q: %v\n", os.Args[2], err)
			os.Exit(3)
		}
		var id int
		id, err = adapter.BlockPort(ctx, "tcp", uint16(port))
		if err == nil {
			fmt.Printf("rule %d installed: block-port %d/tcp\n", id, port)
		}
	case "list":
		// Rule bookkeeping in Adapter is per-process and in-memory (it
		// records only what one running core itself inserted);
		// across separate netfilter-manager invocations the kernel table
		// is the only durable source of truth, so list queries nft(8)
		// directly instead of an empty freshly-constructed Adapter.Rules().
		out, lerr := exec.CommandContext(ctx, "nft", "list", "table", "inet", enforcement.TableName).CombinedOutput()
		fmt.Print(string(out))
		err = lerr
	case "save":
		fmt.Println("netfilter-manager: ruleset is already persisted by nft(8); no separate save step is required")
	default:
		usage()
		os.Exit(3)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "netfilter-manager: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: netfilter-manager {init|cleanup|block-ip IP|block-port N|list|save}")
}
