// Command qwen-pool-proxy runs the credential-pool proxy server and its
// device-flow login helper.
package main

import (
	"os"

	"github.com/nghyane/qwen-pool-proxy/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
