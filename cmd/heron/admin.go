package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/heron/pkg/admission"
	"github.com/cuemby/heron/pkg/client"
	"github.com/cuemby/heron/pkg/dispatch"
	"github.com/cuemby/heron/pkg/lease"
	"github.com/cuemby/heron/pkg/lock"
	"github.com/cuemby/heron/pkg/types"
	"github.com/spf13/cobra"
)

// Denylist commands
var denylistCmd = &cobra.Command{
	Use:   "denylist",
	Short: "Manage the node denylist",
	Long: `Denylisted nodes neither produce nor consume work, even when elected
master. Changes take effect cluster-wide on the next scheduling tick.`,
}

var denylistAddCmd = &cobra.Command{
	Use:   "add ADDR...",
	Short: "Denylist node addresses",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, rdb, err := connect(cmd)
		if err != nil {
			return err
		}
		defer rdb.Close()

		if err := admission.NewGate(rdb, cfg.NodeAddress()).Add(cmd.Context(), args...); err != nil {
			return err
		}
		fmt.Printf("✓ Denylisted %s\n", strings.Join(args, ", "))
		return nil
	},
}

var denylistRemoveCmd = &cobra.Command{
	Use:   "remove ADDR...",
	Short: "Remove node addresses from the denylist",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, rdb, err := connect(cmd)
		if err != nil {
			return err
		}
		defer rdb.Close()

		if err := admission.NewGate(rdb, cfg.NodeAddress()).Remove(cmd.Context(), args...); err != nil {
			return err
		}
		fmt.Printf("✓ Removed %s\n", strings.Join(args, ", "))
		return nil
	},
}

var denylistListCmd = &cobra.Command{
	Use:   "list",
	Short: "List denylisted node addresses",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, rdb, err := connect(cmd)
		if err != nil {
			return err
		}
		defer rdb.Close()

		addrs, err := admission.NewGate(rdb, cfg.NodeAddress()).List(cmd.Context())
		if err != nil {
			return err
		}
		if len(addrs) == 0 {
			fmt.Println("Denylist is empty")
			return nil
		}
		for _, a := range addrs {
			fmt.Println(a)
		}
		return nil
	},
}

var denylistClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every address from the denylist",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, rdb, err := connect(cmd)
		if err != nil {
			return err
		}
		defer rdb.Close()

		if err := admission.NewGate(rdb, cfg.NodeAddress()).Clear(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("✓ Denylist cleared")
		return nil
	},
}

func init() {
	denylistCmd.AddCommand(denylistAddCmd)
	denylistCmd.AddCommand(denylistRemoveCmd)
	denylistCmd.AddCommand(denylistListCmd)
	denylistCmd.AddCommand(denylistClearCmd)
}

// Monitor commands
var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Inspect a running cluster through a node's monitor API",
}

var monitorTasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Show the refresh status of every watched entity",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		page, _ := cmd.Flags().GetInt("page")
		size, _ := cmd.Flags().GetInt("size")

		resp, err := c.Tasks(cmd.Context(), page, size, 0)
		if err != nil {
			return err
		}

		fmt.Printf("%-10s %-16s %-8s %-22s %-20s %s\n", "CODE", "NAME", "STATUS", "NODE", "UPDATED", "RESULT")
		for _, r := range resp.Items {
			updated := "-"
			if r.UpdatedAt != nil {
				updated = r.UpdatedAt.Local().Format(time.DateTime)
			}
			fmt.Printf("%-10s %-16s %-8s %-22s %-20s %s\n",
				r.Code, truncate(r.Name, 16), r.Status, dash(r.Node), updated, r.LastResult)
		}
		fmt.Printf("\nPage %d, %d of %d entities", resp.Page, len(resp.Items), resp.Total)
		for _, s := range []types.LeaseStatus{
			types.LeaseStatusRunning, types.LeaseStatusWaiting, types.LeaseStatusFailed,
			types.LeaseStatusSkipped, types.LeaseStatusSuccess, types.LeaseStatusIdle,
		} {
			if n := resp.Summary[s]; n > 0 {
				fmt.Printf(" | %s %d", s, n)
			}
		}
		fmt.Println()
		return nil
	},
}

var monitorNodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List live cluster members",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		nodes, err := c.Nodes(cmd.Context())
		if err != nil {
			return err
		}
		denied, err := c.Denylist(cmd.Context())
		if err != nil {
			return err
		}
		blocked := make(map[string]bool, len(denied))
		for _, a := range denied {
			blocked[a] = true
		}

		fmt.Printf("%-24s %-8s %-10s %s\n", "ADDRESS", "ROLE", "DENYLIST", "LAST SEEN")
		for _, n := range nodes {
			role := "worker"
			if n.Master {
				role = "master"
			}
			deny := ""
			if blocked[n.Address] {
				deny = "yes"
			}
			seen := "-"
			if !n.LastSeen.IsZero() {
				seen = n.LastSeen.Local().Format(time.DateTime)
			}
			fmt.Printf("%-24s %-8s %-10s %s\n", n.Address, role, deny, seen)
		}
		return nil
	},
}

func init() {
	monitorCmd.PersistentFlags().String("api", "", "Monitor API address (default: api.addr from config)")
	monitorCmd.AddCommand(monitorTasksCmd)
	monitorCmd.AddCommand(monitorNodesCmd)

	monitorTasksCmd.Flags().Int("page", 1, "Page number")
	monitorTasksCmd.Flags().Int("size", 50, "Rows per page")
}

// Lock commands
var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect cluster locks",
}

var lockStatusCmd = &cobra.Command{
	Use:   "status NAME",
	Short: "Show who holds a cluster lock",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, rdb, err := connect(cmd)
		if err != nil {
			return err
		}
		defer rdb.Close()

		rec, err := lock.New(rdb, lock.DefaultOptions(cfg.NodeAddress())).Holder(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if rec == nil {
			fmt.Printf("Lock %s is free\n", args[0])
			return nil
		}
		fmt.Printf("Lock:     %s\n", rec.Name)
		fmt.Printf("Holder:   %s\n", rec.Holder)
		if !rec.AcquiredAt.IsZero() {
			fmt.Printf("Acquired: %s\n", rec.AcquiredAt.Local().Format(time.DateTime))
		}
		fmt.Printf("Expires:  in %s\n", rec.TTL.Round(time.Millisecond))
		return nil
	},
}

func init() {
	lockCmd.AddCommand(lockStatusCmd)
}

// Seed command
var seedCmd = &cobra.Command{
	Use:   "seed CODE...",
	Short: "Start a refresh task for entities now",
	Long: `Seed publishes one task per entity under a fresh trace. For looped
task types this supersedes any running loop for the entity.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("type")
		taskType, ok := types.ParseTaskType(name)
		if !ok {
			return fmt.Errorf("unknown task type: %s", name)
		}

		cfg, rdb, err := connect(cmd)
		if err != nil {
			return err
		}
		defer rdb.Close()

		leases := lease.NewStore(rdb, lease.Options{
			TTL:               cfg.Lease.TTL,
			ActiveStatusTTL:   cfg.Lease.ActiveStatusTTL,
			TerminalStatusTTL: cfg.Lease.TerminalStatusTTL,
			ClaimTTL:          cfg.Lease.RearmClaimTTL,
		})
		d := dispatch.New(newQueue(cfg, rdb, cfg.NodeAddress()), leases, cfg.Loop.RearmDelay)

		var failed int
		for _, code := range args {
			task, err := d.Seed(cmd.Context(), code, taskType, dispatch.OriginManual)
			if err != nil {
				failed++
				fmt.Printf("✗ %s: %v\n", code, err)
				continue
			}
			fmt.Printf("✓ %s trace %s\n", code, task.TraceID)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d seeds failed", failed, len(args))
		}
		return nil
	},
}

func init() {
	seedCmd.Flags().StringP("type", "t", string(types.TaskTypeRefreshPrice), "Task type (REFRESH_PRICE, KLINE, ETF, TICK)")
}

func apiClient(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("api")
	if addr == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return nil, err
		}
		addr = cfg.API.Addr
	}
	return client.NewClient(addr), nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
