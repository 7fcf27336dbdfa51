package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"relaybot/internal/config"

	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	var interactive, force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file",
		Long: `Writes a config file with default settings to the path used by --config.
With --interactive, prompts for the Slack tokens, the NLU access token, the
Dashbot key and the control port. Values may be literal, ${VAR} references or
ssm:/parameter/name references.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			if interactive {
				if err := promptConfig(cmd.InOrStdin(), cmd.OutOrStdout(), cfg); err != nil {
					return err
				}
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("config validation: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config saved to %s\n", cfgPath)
			fmt.Fprintln(cmd.OutOrStdout(), "Next: run 'relaybot doctor', then 'relaybot serve'.")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "prompt for credentials and port")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

// promptConfig asks for each credential in turn. An empty answer keeps the
// shown default.
func promptConfig(in io.Reader, out io.Writer, cfg *config.Config) error {
	reader := bufio.NewReader(in)
	prompt := func(label, def string) (string, error) {
		if def != "" {
			fmt.Fprintf(out, "%s [%s]: ", label, def)
		} else {
			fmt.Fprintf(out, "%s: ", label)
		}
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}
		if s := strings.TrimSpace(line); s != "" {
			return s, nil
		}
		return def, nil
	}

	steps := []struct {
		label string
		def   string
		dst   *string
	}{
		{"Slack bot token (xoxb-...)", "${slackkey}", &cfg.Slack.BotToken},
		{"Slack app token for Socket Mode (xapp-...)", "${slackappkey}", &cfg.Slack.AppToken},
		{"api.ai / Dialogflow client access token", "${accesstoken}", &cfg.NLU.AccessToken},
		{"Dashbot API key (blank to disable)", "", &cfg.Analytics.APIKey},
	}
	for _, s := range steps {
		v, err := prompt(s.label, s.def)
		if err != nil {
			return err
		}
		*s.dst = v
	}

	port, err := prompt("Control server port", strconv.Itoa(cfg.Control.Port))
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("invalid port %q", port)
	}
	cfg.Control.Port = n
	return nil
}
