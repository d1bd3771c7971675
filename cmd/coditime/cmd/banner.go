package cmd

import (
	"fmt"

	"github.com/fatih/color"
)

const banner = `
                  _ _ _   _
   ___ ___   __| (_) |_(_)_ __ ___   ___
  / __/ _ \ / _` + "`" + ` | | __| | '_ ` + "`" + ` _ \ / _ \
 | (_| (_) | (_| | | |_| | | | | | |  __/
  \___\___/ \__,_|_|\__|_|_| |_| |_|\___|
`

func printBanner(lines ...[2]string) {
	color.New(color.FgCyan).Print(banner)
	color.New(color.FgHiBlack).Printf("    version: %s\n\n", Version)
	green := color.New(color.FgGreen)
	for _, l := range lines {
		green.Print("    ▶ ")
		fmt.Printf("%-10s %s\n", l[0]+":", l[1])
	}
	fmt.Println()
}
