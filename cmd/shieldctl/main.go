package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmerrifield20/autoshield/pkg/shield"
)

// version is overridden at release time via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile   string
	engineURL string
	authToken string
	asJSON    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "shieldctl",
	Short: "AutoShield engine CLI",
	Long: `shieldctl is the command-line interface for the AutoShield engine.

It submits security events, inspects source reputation, and drives
operator actions (scans, blocks, power control) on a running engine.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".shieldctl"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if engineURL == "" {
			engineURL = viper.GetString("engine_url")
		}
		if engineURL == "" {
			engineURL = "http://localhost:8600"
		}
		if authToken == "" {
			authToken = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.shieldctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&engineURL, "engine", "", "engine base URL (default http://localhost:8600)")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "operator Bearer token (default from config)")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print raw JSON responses")

	rootCmd.AddCommand(eventCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(blockCmd)
	rootCmd.AddCommand(unblockCmd)
	rootCmd.AddCommand(reputationCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(powerCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() *shield.Client {
	opts := []shield.Option{shield.WithTimeout(11 * time.Minute)}
	if authToken != "" {
		opts = append(opts, shield.WithToken(authToken))
	}
	return shield.New(engineURL, opts...)
}

func printJSON(v any) {
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

// ── event ────────────────────────────────────────────────────────────────

var (
	eventSeverity string
	eventUsername string
)

var eventCmd = &cobra.Command{
	Use:   "event <event_type> <source_ip>",
	Short: "Submit a security event and print the engine's decision",
	Long: `Event submits one security event for analysis.

Examples:

  shieldctl event suspicious_port_scan 203.0.113.7
  shieldctl event failed_login_attempt 203.0.113.7 --username alice --severity high`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := shield.EventRequest{
			EventType:     args[0],
			SourceAddress: args[1],
			Severity:      eventSeverity,
		}
		if eventUsername != "" {
			req.Details = map[string]string{"username": eventUsername}
		}

		res, err := newClient().SubmitEvent(cmd.Context(), req)
		if err != nil {
			return err
		}
		if asJSON {
			printJSON(res)
			return nil
		}

		fmt.Printf("score: %d  band: %s  action: %s\n",
			res.Assessment.Score, res.Assessment.Band, res.Assessment.RecommendedAction)
		for _, line := range res.Assessment.Reasoning {
			fmt.Println("  - " + line)
		}
		for _, r := range res.Responses {
			fmt.Printf("  [%s] %s %s success=%v %s\n", r.Kind, r.Name, r.Target, r.Success, r.Detail)
		}
		return nil
	},
}

func init() {
	eventCmd.Flags().StringVar(&eventSeverity, "severity", "", "collector severity: low, medium, high, critical")
	eventCmd.Flags().StringVar(&eventUsername, "username", "", "targeted account, for login events")
}

// ── scan / block / unblock ───────────────────────────────────────────────

var scanDeep bool

var scanCmd = &cobra.Command{
	Use:   "scan <ip>",
	Short: "Run a manual scan against an address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := newClient().Scan(cmd.Context(), args[0], scanDeep)
		if err != nil {
			return err
		}
		if asJSON {
			printJSON(res)
			return nil
		}
		fmt.Printf("%s success=%v\n%s\n", res.Tool, res.Success, res.Payload)
		return nil
	},
}

func init() {
	scanCmd.Flags().BoolVar(&scanDeep, "deep", false, "run the comprehensive vulnerability scan")
}

var blockReason string

var blockCmd = &cobra.Command{
	Use:   "block <ip>",
	Short: "Block an address on every available channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := newClient().Block(cmd.Context(), args[0], blockReason)
		if err != nil {
			return err
		}
		if asJSON {
			printJSON(res)
			return nil
		}
		fmt.Printf("blocked=%v\n", res.Blocked)
		return nil
	},
}

func init() {
	blockCmd.Flags().StringVar(&blockReason, "reason", "", "audit reason for the block")
}

var unblockCmd = &cobra.Command{
	Use:   "unblock <ip>",
	Short: "Remove the block for an address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := newClient().Unblock(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if asJSON {
			printJSON(res)
			return nil
		}
		fmt.Printf("unblocked=%v\n", res.Unblocked)
		return nil
	},
}

// ── reputation / status ──────────────────────────────────────────────────

var reputationCmd = &cobra.Command{
	Use:   "reputation <ip>",
	Short: "Show the reputation snapshot for an address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rep, err := newClient().GetReputation(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if asJSON {
			printJSON(rep)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "address\t%s\n", rep.Address)
		fmt.Fprintf(w, "events (24h)\t%d\n", rep.EventCount)
		fmt.Fprintf(w, "blocked\t%v\n", rep.Blocked)
		fmt.Fprintf(w, "whitelisted\t%v\n", rep.Whitelisted)
		if !rep.LastScanAt.IsZero() {
			fmt.Fprintf(w, "last scan\t%s\n", rep.LastScanAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the tool provider connection state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := newClient().GetToolStatus(cmd.Context())
		if err != nil {
			return err
		}
		if asJSON {
			printJSON(st)
			return nil
		}
		fmt.Printf("state: %s  addr: %s  attempts: %d\n", st.State, st.Addr, st.Attempts)
		if st.LastError != "" {
			fmt.Printf("last error: %s\n", st.LastError)
		}
		return nil
	},
}

// ── login ────────────────────────────────────────────────────────────────

var loginCmd = &cobra.Command{
	Use:   "login <secret>",
	Short: "Exchange the operator secret for a session token",
	Long: `Login exchanges the static operator (or admin) secret for a session
token and prints it. Store it in ~/.shieldctl/config.yaml under "token" to
authenticate subsequent commands.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := shield.New(engineURL)
		role, err := c.Login(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("role: %s\ntoken: %s\n", role, c.Token())
		return nil
	},
}

// ── power ────────────────────────────────────────────────────────────────

var powerDelay int

var powerCmd = &cobra.Command{
	Use:   "power <shutdown|reboot|cancel>",
	Short: "Schedule or cancel host power actions (admin token required)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		var res *shield.ActionResult
		var err error
		switch args[0] {
		case "shutdown":
			res, err = c.ScheduleShutdown(cmd.Context(), powerDelay)
		case "reboot":
			res, err = c.ScheduleReboot(cmd.Context(), powerDelay)
		case "cancel":
			res, err = c.CancelPowerAction(cmd.Context())
		default:
			return fmt.Errorf("unknown power action %q", args[0])
		}
		if err != nil {
			return err
		}
		if asJSON {
			printJSON(res)
			return nil
		}
		fmt.Printf("%s success=%v %s\n", res.Action, res.Success, res.Output)
		return nil
	},
}

func init() {
	powerCmd.Flags().IntVar(&powerDelay, "delay", 1, "delay in minutes before shutdown or reboot")
}

// ── version ──────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the shieldctl version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("shieldctl", version)
	},
}
