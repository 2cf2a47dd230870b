package main

import (
	"time"

	"github.com/restuhaqza/gnmilab/pkg/config"
	"github.com/spf13/cobra"
)

// overrides are the run flags shared by test, emulator and validate. Only
// flags set on the command line replace file values.
type overrides struct {
	targetCmd    string
	extTarget    bool
	emulator     bool
	gnmiSet      string
	ca           string
	cert         string
	key          string
	targetName   string
	targetAddr   string
	jsonConf     string
	raw          string
	readiness    string
	readyTimeout time.Duration
	subnet       string

	// forceEmulator is set by the emulator command.
	forceEmulator bool
}

func (o *overrides) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.targetCmd, "target_cmd", "", "Command line that starts the target agent")
	f.BoolVar(&o.extTarget, "ext_target", false, "Use an already running target instead of launching one")
	if !o.forceEmulator {
		f.BoolVar(&o.emulator, "emulator", false, "Open an operator shell instead of running gnmi_set")
	}
	f.StringVar(&o.gnmiSet, "gnmi_set", "", "Path to the gnmi_set binary")
	f.StringVar(&o.ca, "ca", "", "CA certificate file")
	f.StringVar(&o.cert, "cert", "", "Client certificate file")
	f.StringVar(&o.key, "key", "", "Client key file")
	f.StringVar(&o.targetName, "target_name", "", "Name the target certificate is issued to")
	f.StringVar(&o.targetAddr, "target_addr", "", "Target gNMI address (host:port)")
	f.StringVar(&o.jsonConf, "json_conf", "", "Access point JSON config to push")
	f.StringVar(&o.raw, "raw", "", "Raw verification command line, run through the shell")
	f.StringVar(&o.readiness, "readiness", "", "Readiness strategy (probe, sleep)")
	f.DurationVar(&o.readyTimeout, "ready-timeout", 0, "How long to wait for the target")
	f.StringVar(&o.subnet, "subnet", "", "IPv4 /24 used for the topology")
}

func (o *overrides) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed

	if changed("target_cmd") {
		cfg.Target.Command = o.targetCmd
	}
	if changed("ext_target") {
		cfg.Target.External = o.extTarget
	}
	if o.forceEmulator || changed("emulator") {
		cfg.Emulator = o.forceEmulator || o.emulator
	}
	if changed("gnmi_set") {
		cfg.Verify.GNMISet = o.gnmiSet
	}
	if changed("ca") {
		cfg.Verify.CA = o.ca
	}
	if changed("cert") {
		cfg.Verify.Cert = o.cert
	}
	if changed("key") {
		cfg.Verify.Key = o.key
	}
	if changed("target_name") {
		cfg.Verify.TargetName = o.targetName
	}
	if changed("target_addr") {
		cfg.Verify.TargetAddr = o.targetAddr
	}
	if changed("json_conf") {
		cfg.Verify.JSONConf = o.jsonConf
	}
	if changed("raw") {
		cfg.Verify.Raw = o.raw
	}
	if changed("readiness") {
		cfg.Target.Readiness = o.readiness
	}
	if changed("ready-timeout") {
		cfg.Target.ReadyTimeout = o.readyTimeout
	}
	if changed("subnet") {
		cfg.Topology.Subnet = o.subnet
	}
}
