// Command strimsrpc serves the test echo service and calls it.
//
//	strimsrpc serve --listen 127.0.0.1:7000 --etcd 127.0.0.1:2379
//	strimsrpc call unary --addr 127.0.0.1:7000 --id 7
//	strimsrpc call stream --etcd 127.0.0.1:2379 --id 7 --count 3
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
