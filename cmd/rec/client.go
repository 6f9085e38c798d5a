package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/recfabric/rec/pkg/client"
	"github.com/recfabric/rec/pkg/eid"
	"github.com/recfabric/rec/pkg/job"
	"github.com/recfabric/rec/pkg/log"
	"github.com/spf13/cobra"
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Drive the Client role: submit jobs, query status, move named data",
}

func init() {
	clientCmd.PersistentFlags().StringP("context", "c", "context.toml", "path to the persisted client context file")

	clientCmd.AddCommand(clientDiscoverCmd)
	clientCmd.AddCommand(clientSubmitCmd)
	clientCmd.AddCommand(clientQueryCmd)
	clientCmd.AddCommand(clientDataCmd)

	clientDataCmd.AddCommand(clientDataPutCmd)
	clientDataCmd.AddCommand(clientDataGetCmd)

	clientSubmitCmd.Flags().String("wasm", "", "name of the wasm module blob to run (required)")
	clientSubmitCmd.Flags().StringSlice("argv", nil, "command-line arguments passed to the module")
	clientSubmitCmd.Flags().StringToString("env", nil, "environment variables (KEY=VALUE)")
	clientSubmitCmd.Flags().String("stdin-file", "", "named blob to feed as stdin")
	clientSubmitCmd.Flags().StringSlice("dirs", nil, "sandbox directories to precreate")
	clientSubmitCmd.Flags().StringToString("data", nil, "sandbox_path=blob_name input mappings")
	clientSubmitCmd.Flags().String("stdout-file", "", "sandbox path to capture stdout into")
	clientSubmitCmd.Flags().String("stderr-file", "", "sandbox path to capture stderr into")
	clientSubmitCmd.Flags().StringSlice("results", nil, "sandbox paths to bundle into the results zip")
	clientSubmitCmd.Flags().StringToString("named-results", nil, "sandbox_path=published_name output mappings")
	clientSubmitCmd.Flags().Int("cpu-cores", 0, "required CPU cores")
	clientSubmitCmd.Flags().Int("cpu-capacity", 0, "required CPU capacity units")
	clientSubmitCmd.Flags().Int64("memory", 0, "required free memory in bytes")
	clientSubmitCmd.Flags().Int64("disk", 0, "required free disk space in bytes")
	clientSubmitCmd.Flags().Bool("receive-results", false, "receive the results zip as this client")

	clientDataPutCmd.Flags().String("file", "", "local file to read the blob contents from (required)")
	clientDataGetCmd.Flags().String("out-dir", ".", "directory to write retrieved blobs into")
	clientDataGetCmd.Flags().Duration("idle-timeout", 2*time.Second, "how long to wait for more replies after the last one")
}

func newClient(cmd *cobra.Command) (*client.Client, error) {
	id, err := selfEID(cmd)
	if err != nil {
		return nil, err
	}
	self, err := eid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse --id: %w", err)
	}
	socket, _ := cmd.Flags().GetString("socket")

	c := client.New(self, socket)
	if err := c.Register(); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	return c, nil
}

// resolveBroker loads the persisted broker association if present,
// otherwise runs discovery and persists the result.
func resolveBroker(ctx context.Context, cmd *cobra.Command, c *client.Client) (eid.EID, error) {
	path, _ := cmd.Flags().GetString("context")

	ctxFile, err := client.LoadContext(path)
	if err != nil {
		return eid.EID{}, err
	}
	if !ctxFile.Broker.IsZero() {
		return ctxFile.Broker, nil
	}

	broker, err := c.Discover(ctx)
	if err != nil {
		return eid.EID{}, fmt.Errorf("discover broker: %w", err)
	}
	if err := client.SaveContext(path, client.Context{Broker: broker}); err != nil {
		log.Logger.Warn().Err(err).Msg("client: failed to persist context")
	}
	return broker, nil
}

var clientDiscoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Discover the broker and persist it to the context file",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		broker, err := resolveBroker(ctx, cmd, c)
		if err != nil {
			return err
		}
		fmt.Printf("broker: %s\n", broker.String())
		return nil
	},
}

var clientSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a WASI job to the executor multicast group",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}

		wasm, _ := cmd.Flags().GetString("wasm")
		if wasm == "" {
			return fmt.Errorf("--wasm is required")
		}
		argv, _ := cmd.Flags().GetStringSlice("argv")
		env, _ := cmd.Flags().GetStringToString("env")
		stdinFile, _ := cmd.Flags().GetString("stdin-file")
		dirs, _ := cmd.Flags().GetStringSlice("dirs")
		data, _ := cmd.Flags().GetStringToString("data")
		stdoutFile, _ := cmd.Flags().GetString("stdout-file")
		stderrFile, _ := cmd.Flags().GetString("stderr-file")
		results, _ := cmd.Flags().GetStringSlice("results")
		namedResults, _ := cmd.Flags().GetStringToString("named-results")
		cpuCores, _ := cmd.Flags().GetInt("cpu-cores")
		cpuCapacity, _ := cmd.Flags().GetInt("cpu-capacity")
		memory, _ := cmd.Flags().GetInt64("memory")
		disk, _ := cmd.Flags().GetInt64("disk")
		receiveResults, _ := cmd.Flags().GetBool("receive-results")

		info := job.JobInfo{
			WasmModule: wasm,
			Capabilities: job.Capabilities{
				CPUCores:        cpuCores,
				FreeCPUCapacity: cpuCapacity,
				FreeMemory:      memory,
				FreeDiskSpace:   disk,
			},
			Argv:         argv,
			Env:          env,
			StdinFile:    stdinFile,
			Dirs:         dirs,
			Data:         data,
			StdoutFile:   stdoutFile,
			StderrFile:   stderrFile,
			Results:      results,
			NamedResults: namedResults,
		}
		if receiveResults {
			self := c.Node.Self
			info.ResultsReceiver = &self
		}

		if err := c.SubmitJob(job.Job{Metadata: info}); err != nil {
			return err
		}
		fmt.Println("job submitted")
		return nil
	},
}

var clientQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query the broker for completed and queued job names",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		broker, err := resolveBroker(ctx, cmd, c)
		if err != nil {
			return err
		}

		list, err := c.Query(ctx, broker)
		if err != nil {
			return err
		}
		fmt.Println("completed:")
		for _, name := range list.Completed {
			fmt.Printf("  %s\n", name)
		}
		fmt.Println("queued:")
		for _, name := range list.Queued {
			fmt.Printf("  %s\n", name)
		}
		return nil
	},
}

var clientDataCmd = &cobra.Command{
	Use:   "data",
	Short: "Put or get named data",
}

var clientDataPutCmd = &cobra.Command{
	Use:   "put <name>",
	Short: "Publish a local file as a named blob",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		path, _ := cmd.Flags().GetString("file")
		if path == "" {
			return fmt.Errorf("--file is required")
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.PutData(ctx, args[0], data); err != nil {
			return err
		}
		fmt.Printf("stored %s (%d bytes)\n", args[0], len(data))
		return nil
	},
}

var clientDataGetCmd = &cobra.Command{
	Use:   "get <prefix>",
	Short: "Retrieve every named blob matching a prefix",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		outDir, _ := cmd.Flags().GetString("out-dir")
		idleTimeout, _ := cmd.Flags().GetDuration("idle-timeout")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		results, err := c.GetData(ctx, args[0], idleTimeout)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("no matching blobs found")
			return nil
		}
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", outDir, err)
		}
		for name, data := range results {
			dst := filepath.Join(outDir, filepath.FromSlash(name))
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return fmt.Errorf("create parent of %s: %w", dst, err)
			}
			if err := os.WriteFile(dst, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", dst, err)
			}
			fmt.Printf("wrote %s (%d bytes)\n", dst, len(data))
		}
		return nil
	},
}
