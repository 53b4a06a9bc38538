package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "rekeyctl",
	Short: "rekeyd CLI",
	Long:  "A CLI for managing encryption key rotations in rekeyd.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
		// Env var overrides are applied in newClient()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with -format=raw)")

	rootCmd.AddCommand(rotateCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(retryCmd())
	rootCmd.AddCommand(rollbackCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(scheduleCmd())
}

// --- rotate ---

func rotateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Initiate a key rotation",
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, _ := cmd.Flags().GetString("type")
			by, _ := cmd.Flags().GetString("initiated-by")
			if by == "" {
				by = os.Getenv("USER")
			}
			if typ == "emergency" && !confirm("Start an EMERGENCY rotation now?") {
				printSuccess("Aborted.")
				return nil
			}
			client := newClient()
			result, err := client.post("/v1/rotations", map[string]any{
				"type":         typ,
				"initiated_by": by,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	cmd.Flags().String("type", "manual", "Rotation type: manual or emergency")
	cmd.Flags().String("initiated-by", "", "Who initiated the rotation (default: $USER)")
	return cmd
}

// --- status ---

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [rotation-id]",
		Short: "Show rotation progress (active rotation if no id given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()

			id := ""
			if len(args) > 0 {
				id = args[0]
			} else {
				result, err := client.get("/v1/rotations/active")
				if err != nil {
					printError(err.Error())
					return nil
				}
				if active, _ := result["active"].(bool); !active {
					printSuccess("No rotation in progress.")
					return nil
				}
				rot, _ := result["rotation"].(map[string]any)
				id, _ = rot["id"].(string)
			}

			result, err := client.get("/v1/rotations/" + id + "/progress")
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
}

// --- history ---

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past rotations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			client := newClient()
			result, err := client.get("/v1/rotations?limit=" + strconv.Itoa(limit))
			if err != nil {
				printError(err.Error())
				return nil
			}
			if rotations, ok := result["rotations"].([]any); ok {
				printRows(rotations, []string{
					"id", "type", "status", "from_version", "to_version",
					"records_re_encrypted", "records_failed", "started_at",
				})
				return nil
			}
			printResult(result)
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum number of rotations to show")
	return cmd
}

// --- retry ---

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <rotation-id>",
		Short: "Re-drain the failed records of a completed rotation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.post("/v1/rotations/"+args[0]+"/retry", nil)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
}

// --- rollback ---

func rollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <rotation-id>",
		Short: "Mark a finished rotation as rolled back (audit marker only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.post("/v1/rotations/"+args[0]+"/rollback", nil)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
}

// --- keys ---

func keysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "List registered key versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/keys")
			if err != nil {
				printError(err.Error())
				return nil
			}
			if versions, ok := result["key_versions"].([]any); ok {
				printRows(versions, []string{"version", "algorithm", "key_hash", "created_by", "created_at"})
				return nil
			}
			printResult(result)
			return nil
		},
	}
}

// --- schedule ---

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "schedule", Short: "Manage rotation schedules"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List rotation schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/schedules")
			if err != nil {
				printError(err.Error())
				return nil
			}
			if schedules, ok := result["schedules"].([]any); ok {
				printRows(schedules, []string{
					"id", "name", "interval_days", "enabled", "auto_rotate", "next_rotation",
				})
				return nil
			}
			printResult(result)
			return nil
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Create or update a rotation schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			interval, _ := cmd.Flags().GetInt("interval-days")
			auto, _ := cmd.Flags().GetBool("auto-rotate")
			enabled, _ := cmd.Flags().GetBool("enabled")
			notifyDays, _ := cmd.Flags().GetInt("notify-before-days")
			recipients, _ := cmd.Flags().GetStringSlice("notify")

			client := newClient()
			result, err := client.post("/v1/schedules", map[string]any{
				"id":                 id,
				"name":               args[0],
				"interval_days":      interval,
				"auto_rotate":        auto,
				"enabled":            enabled,
				"notify_before_days": notifyDays,
				"notify_recipients":  recipients,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	setCmd.Flags().String("id", "", "Schedule ID to update (omit to create)")
	setCmd.Flags().Int("interval-days", 90, "Days between rotations")
	setCmd.Flags().Bool("auto-rotate", false, "Rotate automatically when due")
	setCmd.Flags().Bool("enabled", true, "Whether the schedule is active")
	setCmd.Flags().Int("notify-before-days", 7, "Days before the due date to raise a reminder")
	setCmd.Flags().StringSlice("notify", nil, "Notification recipients")

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/schedules/" + args[0])
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	cmd.AddCommand(listCmd, setCmd, getCmd)
	return cmd
}

// helpers

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	var answer string
	fmt.Scanln(&answer) //nolint:errcheck
	return strings.EqualFold(answer, "y") || strings.EqualFold(answer, "yes")
}
