package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/tendermint/tendermint/libs/log"
	tmos "github.com/tendermint/tendermint/libs/os"
)

var logger = log.NewNopLogger()

func main() {
	var durationInt, txsRate, connections, keys int
	var verbose bool
	var broadcastTxMethod string

	flagSet := flag.NewFlagSet("tm-bench", flag.ExitOnError)
	flagSet.IntVar(&connections, "c", 1, "Connections to keep open per endpoint")
	flagSet.IntVar(&durationInt, "T", 10, "Exit after the specified amount of time in seconds")
	flagSet.IntVar(&txsRate, "r", 1000, "Txs per second to send in a connection")
	flagSet.IntVar(&keys, "k", 256, "Size of the key space each connection writes into")
	flagSet.StringVar(&broadcastTxMethod, "broadcast-tx-method", "broadcast_tx",
		"RPC method used to submit transactions")
	flagSet.BoolVar(&verbose, "v", false, "Verbose output")

	flagSet.Usage = func() {
		fmt.Println(`Benchmark running key=value chain nodes.

Usage:
	tm-bench [-c 1] [-T 10] [-r 1000] [-k 256] [endpoints]

Examples:
	tm-bench localhost:26657`)
		fmt.Println("Flags:")
		flagSet.PrintDefaults()
	}

	flagSet.Parse(os.Args[1:])

	if flagSet.NArg() == 0 {
		flagSet.Usage()
		os.Exit(1)
	}

	if verbose {
		// NOTE: Do not set this to log.TestingLogger, it upsets the throughput
		logger = log.NewTMLogger(log.NewSyncWriter(os.Stdout))
	}

	endpoints := strings.Split(flagSet.Arg(0), ",")

	startHeight, err := storeHeight(endpoints[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot query %s: %v\n", endpoints[0], err)
		os.Exit(1)
	}

	transacters := startTransacters(endpoints, connections, txsRate, keys, broadcastTxMethod)

	stop := func() {
		for _, t := range transacters {
			t.Stop()
		}
	}
	tmos.TrapSignal(logger, stop)

	started := time.Now()
	time.Sleep(time.Duration(durationInt) * time.Second)
	stop()
	elapsed := time.Since(started)

	endHeight, err := storeHeight(endpoints[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot query %s: %v\n", endpoints[0], err)
		os.Exit(1)
	}

	fmt.Printf("committed %d blocks in %.1fs (%.2f blocks/s)\n",
		endHeight-startHeight, elapsed.Seconds(),
		float64(endHeight-startHeight)/elapsed.Seconds())
}

func startTransacters(endpoints []string, connections, txsRate, keys int, broadcastTxMethod string) []*transacter {
	transacters := make([]*transacter, len(endpoints))

	for i, e := range endpoints {
		t := newTransacter(e, connections, txsRate, keys, broadcastTxMethod)
		t.SetLogger(logger)
		if err := t.Start(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		transacters[i] = t
	}

	return transacters
}

// storeHeight asks a node for the height of its block store over the
// plain HTTP side of the RPC server.
func storeHeight(endpoint string) (int64, error) {
	resp, err := http.Get("http://" + endpoint + "/status")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var env struct {
		Result struct {
			StoreHeight int64 `json:"store_height"`
		} `json:"result"`
	}
	if err := jsoniter.NewDecoder(resp.Body).Decode(&env); err != nil {
		return 0, err
	}
	return env.Result.StoreHeight, nil
}
