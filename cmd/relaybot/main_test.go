package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"relaybot/internal/config"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "info", "json")
	l.Debug("hidden")
	l.Info("shown", "channel", "C1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug line should be filtered at info level")
	}
	if !strings.Contains(out, `"channel":"C1"`) {
		t.Errorf("expected JSON output, got %q", out)
	}
}

func TestPromptConfig(t *testing.T) {
	cfg := config.Defaults()
	in := strings.NewReader("xoxb-1\n\nssm:/relaybot/nlu\n\n8080\n")
	var out bytes.Buffer

	if err := promptConfig(in, &out, cfg); err != nil {
		t.Fatalf("promptConfig: %v", err)
	}
	if cfg.Slack.BotToken != "xoxb-1" {
		t.Errorf("unexpected bot token %q", cfg.Slack.BotToken)
	}
	if cfg.Slack.AppToken != "${slackappkey}" {
		t.Errorf("expected default reference, got %q", cfg.Slack.AppToken)
	}
	if cfg.NLU.AccessToken != "ssm:/relaybot/nlu" {
		t.Errorf("unexpected access token %q", cfg.NLU.AccessToken)
	}
	if cfg.Analytics.APIKey != "" {
		t.Errorf("expected analytics disabled, got %q", cfg.Analytics.APIKey)
	}
	if cfg.Control.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Control.Port)
	}
}

func TestPromptConfig_BadPort(t *testing.T) {
	in := strings.NewReader("\n\n\n\nfive\n")
	var out bytes.Buffer
	if err := promptConfig(in, &out, config.Defaults()); err == nil {
		t.Fatal("expected error for non-numeric port")
	}
}

func TestRenderServiceFile(t *testing.T) {
	unit := renderServiceFile(systemdTemplate, map[string]string{
		"EXEC":   "/usr/local/bin/relaybot",
		"CONFIG": "/etc/relaybot.yaml",
	})
	if !strings.Contains(unit, "ExecStart=/usr/local/bin/relaybot serve --config /etc/relaybot.yaml") {
		t.Errorf("unexpected unit:\n%s", unit)
	}
	if strings.Contains(unit, "{{") {
		t.Error("unrendered placeholder left in unit")
	}
}

type fakeResolver struct {
	calls int
}

func (f *fakeResolver) Resolve(_ context.Context, cfg *config.Config) error {
	f.calls++
	cfg.Slack.BotToken = "xoxb-resolved"
	return nil
}

func TestResolveSecrets_ReportsResolvedRefs(t *testing.T) {
	cfg := config.Defaults()
	cfg.Slack.BotToken = "ssm:/relaybot/slack-bot-token"

	store := &fakeResolver{}
	resolved, err := resolveSecrets(context.Background(), cfg, func(context.Context) (secretResolver, error) {
		return store, nil
	})
	if err != nil {
		t.Fatalf("resolveSecrets: %v", err)
	}
	if !resolved || store.calls != 1 {
		t.Errorf("expected refs resolved once, got resolved=%v calls=%d", resolved, store.calls)
	}
	if cfg.Slack.BotToken != "xoxb-resolved" {
		t.Errorf("unexpected token %q", cfg.Slack.BotToken)
	}
}

func TestResolveSecrets_NoRefs(t *testing.T) {
	cfg := config.Defaults()
	cfg.Slack.BotToken = "xoxb-plain"

	resolved, err := resolveSecrets(context.Background(), cfg, func(context.Context) (secretResolver, error) {
		t.Fatal("store must not be opened without references")
		return nil, nil
	})
	if err != nil || resolved {
		t.Errorf("expected nothing resolved, got resolved=%v err=%v", resolved, err)
	}
}

func TestResolveSecrets_OpenFailure(t *testing.T) {
	cfg := config.Defaults()
	cfg.NLU.AccessToken = "ssm:/relaybot/nlu-token"

	_, err := resolveSecrets(context.Background(), cfg, func(context.Context) (secretResolver, error) {
		return nil, errors.New("no credentials")
	})
	if err == nil {
		t.Fatal("expected error when the store cannot be opened")
	}
}
