// Simulate posts synthetic incident alerts to a running opsflow server.
//
// Usage:
//
//	simulate [--count=5] [--delay=1s] [--api-url=http://localhost:8080/api/v1/alerts] [--token=...]
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
