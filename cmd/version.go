package cmd

import (
	"fmt"
	"runtime"
)

// Version is the application version, set at build time via
// -ldflags "-X github.com/koopa0/ease/cmd.Version=v1.2.3".
var Version = "dev"

// runVersion prints version information.
func runVersion() {
	fmt.Printf("ease %s (%s, %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
