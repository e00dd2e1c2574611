package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"crm-dialer/internal/auth"
	"crm-dialer/internal/callstatus"
	"crm-dialer/internal/config"
	"crm-dialer/internal/disposition"
	"crm-dialer/internal/notify"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(viper.New(), os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Flags fall back to DIALERCTL_*
// environment variables through v.
func newRootCmd(v *viper.Viper, out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "dialerctl",
		Short:         "Operate the CRM dialer API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	root.PersistentFlags().String("host", "http://localhost:8080", "dialer API base URL")
	root.PersistentFlags().String("token", "", "access token (env DIALERCTL_TOKEN)")
	v.SetEnvPrefix("dialerctl")
	v.AutomaticEnv()
	_ = v.BindPFlag("host", root.PersistentFlags().Lookup("host"))
	_ = v.BindPFlag("token", root.PersistentFlags().Lookup("token"))

	api := func() *client { return newClient(v.GetString("host"), v.GetString("token")) }

	root.AddCommand(
		nextCmd(api),
		originateCmd(api),
		endCmd(api),
		stopCmd(api),
		activeCmd(api),
		disposeCmd(api),
		watchCmd(api),
		autoCmd(api),
		tokenCmd(v),
	)
	return root
}

func nextCmd(api func() *client) *cobra.Command {
	var session, user string
	var dial bool
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Claim the next contact for a session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := api().next(cmd.Context(), session, user)
			if err != nil {
				return err
			}
			if !res.HasMoreLeads {
				fmt.Fprintln(cmd.OutOrStdout(), "no more leads")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "call %s: %s %s (attempt %d)\n", res.CallID, res.Name, res.PhoneNumber, res.Attempt)
			if !dial {
				return nil
			}
			call, err := api().originate(cmd.Context(), res.CallID, "")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "originated %s\n", call.ProviderCallID)
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "dialer session id (required)")
	cmd.Flags().StringVar(&user, "user", "", "user to dial for; defaults to the token's user")
	cmd.Flags().BoolVar(&dial, "dial", false, "originate the claimed call right away")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func originateCmd(api func() *client) *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "originate [call-id]",
		Short: "Place a queued call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			call, err := api().originate(cmd.Context(), args[0], to)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", call.ID, call.ProviderCallID, call.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "override the destination number")
	return cmd
}

func endCmd(api func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "end [call-id|call-sid]",
		Short: "End a call; ending an ended call is a no-op",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			call, err := api().end(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%ds)\n", call.ID, call.Status, call.DurationSeconds)
			return nil
		},
	}
}

func stopCmd(api func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "stop [agent-id]",
		Short: "Take an agent offline and drop orphaned calls",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := api().stop(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "agent %s is %s, ended %d call(s)\n", res.Agent.ID, res.Agent.Status, len(res.EndedCalls))
			for _, warn := range res.Warnings {
				fmt.Fprintf(w, "warning: %s\n", warn)
			}
			return nil
		},
	}
}

func activeCmd(api func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "List non-terminal calls",
		RunE: func(cmd *cobra.Command, _ []string) error {
			active, err := api().activeCalls(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "CALL\tSID\tNUMBER\tSTATUS\tAGENT\tCONTACT")
			for _, c := range active {
				name := ""
				if c.Contact != nil {
					name = c.Contact.Name
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", c.ID, c.ProviderCallID, c.PhoneNumber, c.Status, c.AgentID, name)
			}
			return w.Flush()
		},
	}
}

func disposeCmd(api func() *client) *cobra.Command {
	var leads, value, callSid string
	cmd := &cobra.Command{
		Use:   "dispose",
		Short: "Set a disposition on one or more leads",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, err := parseIDs(leads)
			if err != nil {
				return err
			}
			res, err := api().dispose(cmd.Context(), disposition.Request{LeadIDs: ids, Disposition: value, CallSid: callSid})
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s (%d updated)\n", res.Message, res.Updated)
			for _, warn := range res.Warnings {
				fmt.Fprintf(w, "warning: %s\n", warn)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&leads, "leads", "", "comma separated lead ids (required)")
	cmd.Flags().StringVar(&value, "disposition", "", strings.Join(dispositionNames(), ", "))
	cmd.Flags().StringVar(&callSid, "call", "", "also end this call")
	_ = cmd.MarkFlagRequired("leads")
	_ = cmd.MarkFlagRequired("disposition")
	return cmd
}

func watchCmd(api func() *client) *cobra.Command {
	var interval time.Duration
	var limit int
	cmd := &cobra.Command{
		Use:   "watch [session-id]",
		Short: "Poll a session's call status until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watch(cmd.Context(), api(), args[0], interval, limit, cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", notify.DefaultPollInterval, "poll interval")
	cmd.Flags().IntVar(&limit, "max", 0, "stop after this many changes; 0 watches forever")
	return cmd
}

// watch prints each distinct status update. It stops when ctx ends or
// after limit changes.
func watch(ctx context.Context, c *client, sessionID string, interval time.Duration, limit int, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	poller := notify.NewPoller[callstatus.Update](c.latest, interval, nil)
	var lastID string
	seen := 0
	return poller.Run(ctx, func() string {
		if ctx.Err() != nil {
			return ""
		}
		return sessionID
	}, func(u callstatus.Update, ok bool) {
		if !ok || u.ID == lastID {
			return
		}
		lastID = u.ID
		fmt.Fprintf(w, "%s %s %s %s\n", u.OccurredAt.Format(time.RFC3339), u.ProviderCallID, u.Status, u.AnsweredBy)
		seen++
		if limit > 0 && seen >= limit {
			cancel()
		}
	})
}

func autoCmd(api func() *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auto",
		Short: "Control the auto-dialer for a session",
	}

	var delayMs, noAnswerMs int64
	var disabled bool
	start := &cobra.Command{
		Use:   "start [session-id]",
		Short: "Start or reconfigure the auto-dialer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := api().autoStart(cmd.Context(), args[0], !disabled, delayMs, noAnswerMs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s: %s %s\n", st.SessionID, st.State, st.CallID)
			return nil
		},
	}
	start.Flags().Int64Var(&delayMs, "delay-ms", 3000, "delay between calls in milliseconds")
	start.Flags().Int64Var(&noAnswerMs, "no-answer-ms", 30000, "no-answer timeout in milliseconds")
	start.Flags().BoolVar(&disabled, "disabled", false, "configure without dialing")

	stop := &cobra.Command{
		Use:   "stop [session-id]",
		Short: "Stop the auto-dialer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := api().autoStop(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "stopped")
			return nil
		},
	}

	cmd.AddCommand(start, stop)
	return cmd
}

// tokenCmd mints an access token with the API's signing secret, for
// operators and scripts.
func tokenCmd(v *viper.Viper) *cobra.Command {
	var user, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token (needs JWT_SECRET)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = v.BindEnv("jwt_secret", "JWT_SECRET")
			_ = v.BindEnv("jwt_issuer", "JWT_ISSUER")
			_ = v.BindEnv("jwt_audience", "JWT_AUDIENCE")
			m, err := auth.NewManager(config.AuthConfig{
				JWTSecret:       v.GetString("jwt_secret"),
				JWTIssuer:       v.GetString("jwt_issuer"),
				JWTAudience:     v.GetString("jwt_audience"),
				AccessTokenTTL:  ttl,
				RefreshTokenTTL: 2 * ttl,
			})
			if err != nil {
				return err
			}
			pair, err := m.IssuePair(time.Now(), user, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), pair.AccessToken)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (required)")
	cmd.Flags().StringVar(&role, "role", "agent", "admin, supervisor or agent")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("lead id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, errors.New("at least one lead id is required")
	}
	return ids, nil
}

func dispositionNames() []string {
	all := disposition.All()
	out := make([]string, len(all))
	for i, d := range all {
		out[i] = string(d)
	}
	return out
}
