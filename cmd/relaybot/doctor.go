package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"relaybot/internal/nlu"

	"github.com/fatih/color"
	"github.com/slack-go/slack"
	"github.com/spf13/cobra"
)

const doctorTimeout = 15 * time.Second

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your relaybot installation",
		Long: `Verifies the configuration and credentials, then checks that Slack and the
NLU agent accept them and that the control port is free.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("relaybot doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var r doctorReport

			if _, err := os.Stat(cfgPath); err != nil {
				r.warn("Config file", fmt.Sprintf("not found at %s, using defaults and environment", cfgPath))
			} else {
				r.pass("Config file", cfgPath)
			}

			ctx, cancel := context.WithTimeout(context.Background(), doctorTimeout)
			defer cancel()

			cfg, resolved, err := loadServeConfig(ctx)
			if err != nil {
				r.fail("Config", err.Error())
				return r.summary()
			}
			r.pass("Config", "valid, credentials present")
			if resolved {
				r.pass("Secrets", "ssm references resolved")
			}

			auth, err := slack.New(cfg.Slack.BotToken).AuthTestContext(ctx)
			if err != nil {
				r.fail("Slack auth", err.Error())
			} else {
				r.pass("Slack auth", fmt.Sprintf("%s (%s) in %s", auth.User, auth.UserID, auth.Team))
			}

			df := nlu.NewDialogflow(nlu.DialogflowConfig{
				AccessToken:     cfg.NLU.AccessToken,
				APIBase:         cfg.NLU.APIBase,
				ProtocolVersion: cfg.NLU.ProtocolVersion,
				Lang:            cfg.NLU.Lang,
				Timeout:         time.Duration(cfg.NLU.TimeoutSeconds) * time.Second,
				Logger:          logger,
			})
			if err := df.Healthy(ctx); err != nil {
				r.fail("NLU agent", err.Error())
			} else {
				r.pass("NLU agent", cfg.NLU.APIBase)
			}

			if cfg.Analytics.APIKey == "" {
				r.warn("Analytics", "dashbot key not set, tracking disabled")
			} else {
				r.pass("Analytics", "dashbot enabled")
			}

			addr := net.JoinHostPort(cfg.Control.Host, strconv.Itoa(cfg.Control.Port))
			if err := checkPort(addr); err != nil {
				r.warn("Control port", fmt.Sprintf("%s may be in use: %v", addr, err))
			} else {
				r.pass("Control port", addr+" available")
			}

			if cfg.General.LogFile != "" {
				if _, closeLog, err := openLogOutput(cfg.General.LogFile); err != nil {
					r.warn("Log file", err.Error())
				} else {
					closeLog()
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			return r.summary()
		},
	}
}

type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	r.passed++
	fmt.Printf("  %s %-16s %s\n", color.GreenString("[PASS]"), check, detail)
}

func (r *doctorReport) warn(check, detail string) {
	r.warned++
	fmt.Printf("  %s %-16s %s\n", color.YellowString("[WARN]"), check, detail)
}

func (r *doctorReport) fail(check, detail string) {
	r.failed++
	fmt.Printf("  %s %-16s %s\n", color.RedString("[FAIL]"), check, detail)
}

func (r *doctorReport) summary() error {
	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		fmt.Printf("\nPlease fix the failed checks before running relaybot.\n")
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	if r.warned > 0 {
		fmt.Printf("\nrelaybot should work but consider fixing the warnings.\n")
	} else {
		fmt.Println(color.GreenString("\nAll checks passed! relaybot is ready to run."))
	}
	return nil
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
