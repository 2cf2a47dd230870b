package driver

import (
	"fmt"

	"github.com/restuhaqza/gnmilab/pkg/config"
	"github.com/restuhaqza/gnmilab/pkg/probe"
	"github.com/restuhaqza/gnmilab/pkg/types"
	"github.com/rs/zerolog/log"
)

// NewReadinessWaiter picks the readiness strategy for the target. The gNMI
// probe needs a target address; without one it falls back to a fixed delay.
// TLS is used when a CA is configured.
func NewReadinessWaiter(target config.TargetConfig, v config.VerifyConfig) (types.ReadinessWaiter, error) {
	if target.Readiness == config.ReadinessSleep {
		return probe.FixedDelay{Duration: target.ReadyTimeout}, nil
	}
	if v.TargetAddr == "" {
		log.Warn().Msg("No target address to probe, falling back to a fixed delay")
		return probe.FixedDelay{Duration: target.ReadyTimeout}, nil
	}

	p := &probe.GNMIProbe{
		Addr:     v.TargetAddr,
		Timeout:  target.ReadyTimeout,
		Interval: target.ReadyInterval,
	}
	if v.CA != "" {
		creds, err := probe.TLSFiles{
			CA:         v.CA,
			Cert:       v.Cert,
			Key:        v.Key,
			ServerName: v.TargetName,
		}.Credentials()
		if err != nil {
			return nil, fmt.Errorf("failed to load probe credentials: %w", err)
		}
		p.Credentials = creds
	}
	return p, nil
}
