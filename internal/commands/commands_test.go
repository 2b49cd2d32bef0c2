package commands

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/claraverse/tabrelay/internal/config"
	"github.com/claraverse/tabrelay/internal/connection"
	"github.com/claraverse/tabrelay/internal/daemon"
	"github.com/spf13/cobra"
)

func TestApplyServeFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "serve"}
	addServeFlags(cmd.Flags())
	if err := cmd.ParseFlags([]string{"--http-listen=:9000", "--debug", "--history=sqlite"}); err != nil {
		t.Fatalf("parse: %v", err)
	}

	cfg := config.Default()
	applyServeFlags(cmd, cfg)
	if cfg.Server.HTTPListen != ":9000" || !cfg.Server.Debug || cfg.History.Driver != "sqlite" {
		t.Errorf("flags not applied: %+v %+v", cfg.Server, cfg.History)
	}
	if cfg.Server.HubListen != ":8765" {
		t.Errorf("unset flag overrode hub listen: %s", cfg.Server.HubListen)
	}
}

func TestApplyAgentFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "agent"}
	addAgentFlags(cmd.Flags())
	if err := cmd.ParseFlags([]string{"--server=ws://hub:1", "--fake-browser"}); err != nil {
		t.Fatalf("parse: %v", err)
	}

	cfg := config.Default()
	cfg.Agent.UnsafeMode = true
	applyAgentFlags(cmd, cfg)
	if cfg.Agent.ServerURL != "ws://hub:1" || !cfg.Agent.FakeBrowser {
		t.Errorf("flags not applied: %+v", cfg.Agent)
	}
	if !cfg.Agent.UnsafeMode {
		t.Error("unset --unsafe must keep the configured value")
	}
}

func TestBackgroundArgsDropDetach(t *testing.T) {
	cmd := &cobra.Command{Use: "agent"}
	addAgentFlags(cmd.Flags())
	if err := cmd.ParseFlags([]string{"--detach", "--server=ws://hub:1", "--unsafe"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	got := strings.Join(backgroundArgs(cmd), " ")
	if got != "agent --server=ws://hub:1 --unsafe=true" {
		t.Errorf("backgroundArgs = %q", got)
	}
}

func TestBackgroundArgsKeepPersistentFlags(t *testing.T) {
	root := &cobra.Command{Use: "tabrelay"}
	root.PersistentFlags().String("config-dir", "", "")
	root.PersistentFlags().Bool("verbose", false, "")
	var got string
	agent := &cobra.Command{Use: "agent", RunE: func(cmd *cobra.Command, _ []string) error {
		got = strings.Join(backgroundArgs(cmd), " ")
		return nil
	}}
	addAgentFlags(agent.Flags())
	root.AddCommand(agent)

	root.SetArgs([]string{"agent", "--detach", "--config-dir=/tmp/tr", "--fake-browser"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got != "agent --config-dir=/tmp/tr --fake-browser=true" {
		t.Errorf("backgroundArgs = %q", got)
	}
}

func TestServiceRole(t *testing.T) {
	tests := []struct {
		role    string
		wantErr bool
	}{
		{"agent", false},
		{"serve", false},
		{"hub", true},
	}
	for _, tt := range tests {
		cmd := &cobra.Command{Use: "install"}
		cmd.Flags().String("role", "agent", "")
		cmd.ParseFlags([]string{"--role=" + tt.role})
		_, err := serviceRole(cmd)
		if (err != nil) != tt.wantErr {
			t.Errorf("serviceRole(%q) err = %v", tt.role, err)
		}
	}
}

func TestRenderUnits(t *testing.T) {
	orig := config.GetConfigDir()
	config.SetDir("/home/u/.tabrelay")
	defer config.SetDir(orig)
	cfg := newServiceConfig("agent", "/usr/local/bin/tabrelay", "/home/u")

	unit, err := renderUnit("service", systemdServiceTemplate, cfg)
	if err != nil {
		t.Fatalf("render systemd: %v", err)
	}
	for _, want := range []string{
		"Description=tabrelay agent",
		"ExecStart=/usr/local/bin/tabrelay agent --config-dir=/home/u/.tabrelay",
		"StandardOutput=append:/home/u/.tabrelay/logs/agent.log",
	} {
		if !strings.Contains(string(unit), want) {
			t.Errorf("systemd unit missing %q:\n%s", want, unit)
		}
	}

	plist, err := renderUnit("plist", launchdPlistTemplate, cfg)
	if err != nil {
		t.Fatalf("render plist: %v", err)
	}
	if !strings.Contains(string(plist), "<string>dev.tabrelay.agent</string>") {
		t.Errorf("plist missing label:\n%s", plist)
	}

	if cfg.Unit != "tabrelay-agent.service" {
		t.Errorf("unit = %s", cfg.Unit)
	}
	if !strings.HasSuffix(cfg.systemdServicePath(), ".config/systemd/user/tabrelay-agent.service") {
		t.Errorf("systemd path = %s", cfg.systemdServicePath())
	}
	if !strings.HasSuffix(cfg.launchdPlistPath(), "Library/LaunchAgents/dev.tabrelay.agent.plist") {
		t.Errorf("plist path = %s", cfg.launchdPlistPath())
	}
}

func TestPrintStatus(t *testing.T) {
	status := daemon.StatusPayload{
		Connection: connection.Status{
			State:      connection.StateConnected,
			InstanceID: "inst-1",
			Server:     "ws://hub:8765",
		},
		Browser:  "memory",
		Sessions: 1,
		Activity: []daemon.Activity{{Command: "navigate", Success: true}},
	}

	var buf bytes.Buffer
	if err := printStatus(&buf, status, false, 5); err != nil {
		t.Fatalf("print: %v", err)
	}
	for _, want := range []string{"inst-1", "connected", "navigate"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output missing %q:\n%s", want, buf.String())
		}
	}

	buf.Reset()
	if err := printStatus(&buf, status, true, 5); err != nil {
		t.Fatalf("print json: %v", err)
	}
	var decoded daemon.StatusPayload
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Connection.InstanceID != "inst-1" || len(decoded.Activity) != 1 {
		t.Errorf("unexpected payload %+v", decoded)
	}
}
