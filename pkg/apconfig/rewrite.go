// Package apconfig rewrites Link022 access point configs for the local node.
package apconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
)

// JSON path of the hostname leaf that gets rewritten.
const (
	AccessPointsKey = "openconfig-access-points:access-points"
	AccessPointKey  = "access-point"
	HostnameKey     = "hostname"
)

// ErrConfigParse is returned when the config cannot be parsed or has an
// unexpected shape.
var ErrConfigParse = errors.New("config parse error")

// TempFile is a rewritten config on disk. Release removes it.
type TempFile struct {
	Path string

	released bool
	mu       sync.Mutex
}

// Release removes the file. Later calls are no-ops.
func (f *TempFile) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.released {
		return nil
	}
	f.released = true

	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", f.Path, err)
	}
	return nil
}

// LocalHostname returns the network node name of this machine.
func LocalHostname() (string, error) {
	name, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}
	return name, nil
}

// Rewrite loads the config at src, sets the hostname of every access point
// record and writes the result to a new temporary file. The source file is
// not modified.
func Rewrite(src, hostname string) (*TempFile, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", src, err)
	}

	out, err := RewriteBytes(data, hostname)
	if err != nil {
		return nil, fmt.Errorf("failed to rewrite %s: %w", src, err)
	}

	f, err := os.CreateTemp("", "link022-conf-*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmp := &TempFile{Path: f.Name()}

	if _, err := f.Write(out); err != nil {
		f.Close()
		tmp.Release()
		return nil, fmt.Errorf("failed to write %s: %w", tmp.Path, err)
	}
	if err := f.Close(); err != nil {
		tmp.Release()
		return nil, fmt.Errorf("failed to close %s: %w", tmp.Path, err)
	}

	log.Info().
		Str("source", src).
		Str("path", tmp.Path).
		Str("hostname", hostname).
		Msg("Rewrote access point config")

	return tmp, nil
}

// RewriteBytes sets the hostname of every access point record in the
// document. Fields other than the hostnames keep their source values.
func RewriteBytes(data []byte, hostname string) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigParse, err)
	}

	rawAPs, ok := doc[AccessPointsKey]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q", ErrConfigParse, AccessPointsKey)
	}
	var aps map[string]json.RawMessage
	if err := json.Unmarshal(rawAPs, &aps); err != nil || aps == nil {
		return nil, fmt.Errorf("%w: %q is not an object", ErrConfigParse, AccessPointsKey)
	}

	rawList, ok := aps[AccessPointKey]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q in %q", ErrConfigParse, AccessPointKey, AccessPointsKey)
	}
	var records []map[string]json.RawMessage
	if err := json.Unmarshal(rawList, &records); err != nil || records == nil {
		return nil, fmt.Errorf("%w: %q is not a list of objects", ErrConfigParse, AccessPointKey)
	}

	name, err := marshal(hostname, "")
	if err != nil {
		return nil, err
	}
	for i, rec := range records {
		if rec == nil {
			return nil, fmt.Errorf("%w: %q record %d is not an object", ErrConfigParse, AccessPointKey, i)
		}
		rec[HostnameKey] = name
	}

	if aps[AccessPointKey], err = marshal(records, ""); err != nil {
		return nil, err
	}
	if doc[AccessPointsKey], err = marshal(aps, ""); err != nil {
		return nil, err
	}
	return marshal(doc, "  ")
}

// marshal encodes v without HTML escaping so that values keep their source
// text.
func marshal(v any, indent string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", indent)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
