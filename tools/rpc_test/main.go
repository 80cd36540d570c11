package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"

	jsonrpc "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"bftchain/types"
)

const sendTimeout = 10 * time.Second

func connect(host string) (*websocket.Conn, *http.Response, error) {
	u := url.URL{Scheme: "ws", Host: host, Path: "/websocket"}
	return websocket.DefaultDialer.Dial(u.String(), nil)
}

// Submits one key=value transaction over the websocket RPC and prints the
// response. Handy for poking a freshly started node.
func main() {
	host := "127.0.0.1:26657"
	raw := "greeting=hello"
	if len(os.Args) > 1 {
		raw = os.Args[1]
	}
	if len(os.Args) > 2 {
		host = os.Args[2]
	}

	c, _, err := connect(host)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot connect to %s: %v\n", host, err)
		os.Exit(1)
	}
	defer c.Close()

	tx := types.Tx(raw)
	paramsJSON, err := json.Marshal(map[string]interface{}{"tx": tx})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode params: %v\n", err)
		os.Exit(1)
	}

	c.SetWriteDeadline(time.Now().Add(sendTimeout))
	err = c.WriteJSON(jsonrpc.RPCRequest{
		JSONRPC: "2.0",
		ID:      jsonrpc.JSONRPCStringID("rpc-test"),
		Method:  "broadcast_tx",
		Params:  json.RawMessage(paramsJSON),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
		os.Exit(1)
	}

	c.SetReadDeadline(time.Now().Add(sendTimeout))
	_, resp, err := c.ReadMessage()
	if err != nil {
		fmt.Fprintf(os.Stderr, "read failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(resp))
}
