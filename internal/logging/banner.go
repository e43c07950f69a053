package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

// ANSI color codes.
const (
	reset = "\033[0m"
	bold  = "\033[1m"
	cyan  = "\033[36m"
	dim   = "\033[2m"
)

var logoLines = [6]string{
	`  ____            _     ____            _     _       `,
	` |  _ \ ___  _ __| |_  |  _ \  __ _  __| | __| |_   _ `,
	` | |_) / _ \| '__| __| | | | |/ _` + "`" + ` |/ _` + "`" + ` |/ _` + "`" + ` | | | |`,
	` |  __/ (_) | |  | |_  | |_| | (_| | (_| | (_| | |_| |`,
	` |_|   \___/|_|   \__| |____/ \__,_|\__,_|\__,_|\__, |`,
	`                                                |___/ `,
}

// PrintBanner prints the Port Daddy ASCII art logo with version and
// listen addresses below. Colors are used only when stderr is a TTY.
func PrintBanner(ver, addr, socket string) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	for i := 0; i < 6; i++ {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s\n", bold+cyan, logoLines[i], reset)
		} else {
			fmt.Fprintln(os.Stderr, logoLines[i])
		}
	}

	if color {
		fmt.Fprintf(os.Stderr, "\n  %sversion%s %s   %saddr%s %s   %ssocket%s %s\n\n",
			dim, reset, ver, dim, reset, addr, dim, reset, socket)
	} else {
		fmt.Fprintf(os.Stderr, "\n  version %s   addr %s   socket %s\n\n", ver, addr, socket)
	}
}
