package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"mvdan.cc/sh/v3/shell"

	"github.com/Paranoid-AF/excess"
	"github.com/Paranoid-AF/excess/client"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the daemon answers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.Ping(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "OK")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show client and daemon versions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()
		v, err := c.Version(cmd.Context())
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "client:       %s\n", Version)
		fmt.Fprintf(w, "daemon:       %s\n", v.Version)
		fmt.Fprintf(w, "api version:  %s (min %s)\n", v.APIVersion, v.MinAPIVersion)
		fmt.Fprintf(w, "os/arch:      %s/%s\n", v.Os, v.Arch)
		fmt.Fprintf(w, "kernel:       %s\n", v.KernelVersion)
		return nil
	},
}

var logsFlags struct {
	Follow     bool
	Timestamps bool
	Tail       string
}

var logsCmd = &cobra.Command{
	Use:   "logs CONTAINER",
	Short: "Stream a container's stdout and stderr",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()
		id, err := c.ResolveContainerID(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		s, err := c.Logs(cmd.Context(), id, client.LogsOptions{
			Follow:     logsFlags.Follow,
			Timestamps: logsFlags.Timestamps,
			Tail:       logsFlags.Tail,
		}, newOutput(os.Stdout, os.Stderr).Sink)
		if err != nil {
			return err
		}
		return s.Wait()
	},
}

var execCmd = &cobra.Command{
	Use:   "exec CONTAINER COMMAND [ARG...]",
	Short: "Run a command in a container",
	Long: "Run a command in a running container and stream its output.\n" +
		"A single COMMAND argument is split into words with shell rules.",
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		argv := args[1:]
		if len(argv) == 1 {
			fields, err := shell.Fields(argv[0], nil)
			if err != nil {
				return fmt.Errorf("parse command: %w", err)
			}
			argv = fields
		}
		if len(argv) == 0 {
			return fmt.Errorf("empty command")
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()
		id, err := c.ResolveContainerID(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		code, err := c.Exec(cmd.Context(), id, argv, newOutput(os.Stdout, os.Stderr).Sink)
		if err != nil {
			return err
		}
		if code != 0 {
			return exitError(code)
		}
		return nil
	},
}

var catCmd = &cobra.Command{
	Use:   "cat CONTAINER PATH",
	Short: "Print a text file from a container",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()
		data, err := c.ReadFile(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var writeCmd = &cobra.Command{
	Use:   "write CONTAINER PATH",
	Short: "Replace a file in a container with standard input",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()
		return c.WriteFile(cmd.Context(), args[0], args[1], data)
	},
}

var waitCmd = &cobra.Command{
	Use:   "wait CONTAINER",
	Short: "Block until a container stops and print its exit code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()
		code, err := c.Wait(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), code)
		return nil
	},
}

var rawFlags struct {
	Data string
}

var rawCmd = &cobra.Command{
	Use:   "raw METHOD ENDPOINT",
	Short: "Send a request and print the response body",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()
		var body []byte
		if rawFlags.Data != "" {
			body = []byte(rawFlags.Data)
		}
		status, resp, err := c.Raw(cmd.Context(), strings.ToUpper(args[0]), args[1], body)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "HTTP %d, %s\n", status, excess.FormatBytes(int64(len(resp))))
		_, err = cmd.OutOrStdout().Write(resp)
		return err
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve NAME",
	Short: "Print the full ID of a container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()
		id, err := c.ResolveContainerID(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFlags.Follow, "follow", "f", false, "keep streaming new output")
	logsCmd.Flags().BoolVarP(&logsFlags.Timestamps, "timestamps", "t", false, "prefix lines with timestamps")
	logsCmd.Flags().StringVarP(&logsFlags.Tail, "tail", "n", "all", "number of lines from the end")
	rawCmd.Flags().StringVarP(&rawFlags.Data, "data", "d", "", "request body")
}
