// Command trigger issues monitored syscalls so a running lockfence has
// something to report.
package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

func main() {
	var connects, clones, port int

	cmd := &cobra.Command{
		Use:          "trigger",
		Short:        "Issue connect(2) and clone(2) calls",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Printf("Trigger started. PID: %d UID: %d\n", os.Getpid(), os.Getuid())

			for i := range connects {
				if err := connectUDP(port); err != nil {
					return fmt.Errorf("connect %d: %w", i+1, err)
				}
			}
			fmt.Printf("Issued %d connect call(s) to 127.0.0.1:%d\n", connects, port)

			for i := range clones {
				// Starting a child process goes through clone(2).
				if err := exec.Command("/bin/true").Run(); err != nil {
					return fmt.Errorf("clone %d: %w", i+1, err)
				}
			}
			fmt.Printf("Spawned %d child process(es)\n", clones)
			return nil
		},
	}
	cmd.Flags().IntVar(&connects, "connect", 3, "number of connect calls")
	cmd.Flags().IntVar(&clones, "clone", 0, "number of child processes to spawn")
	cmd.Flags().IntVar(&port, "port", 9, "UDP port on 127.0.0.1 to connect to")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// connectUDP calls connect(2) directly so exactly one call is made. A UDP
// connect needs no listener.
func connectUDP(port int) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	defer unix.Close(fd)
	return unix.Connect(fd, &unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}})
}
