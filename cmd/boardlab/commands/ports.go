package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fly-io/boardlab/pkg/console"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports on this host",
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := console.ListPorts()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			fmt.Println("No serial ports found")
			return nil
		}

		fmt.Printf("%-24s %-5s %-6s %-6s %s\n", "PORT", "USB", "VID", "PID", "SERIAL")
		for _, p := range ports {
			usb := "no"
			if p.IsUSB {
				usb = "yes"
			}
			fmt.Printf("%-24s %-5s %-6s %-6s %s\n", p.Name, usb, orDash(p.VID), orDash(p.PID), orDash(p.SerialNumber))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(portsCmd)
}
