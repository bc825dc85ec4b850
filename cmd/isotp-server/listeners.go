package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/kstaniek/go-isotp-server/internal/gateway"
)

// canID accepts both YAML integers (0x7E8 resolves as an int) and strings.
type canID uint16

func (c *canID) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var n uint16
	if err := unmarshal(&n); err == nil {
		if n > 0x7FF {
			return fmt.Errorf("id 0x%X exceeds 11 bits", n)
		}
		*c = canID(n)
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	id, err := parseID(s)
	if err != nil {
		return err
	}
	*c = canID(id)
	return nil
}

type listenerEntry struct {
	ID            canID         `yaml:"id"`
	FlowControlID canID         `yaml:"fc_id"`
	BlockSize     uint8         `yaml:"block_size"`
	STmin         time.Duration `yaml:"stmin"`
	Timeout       time.Duration `yaml:"timeout"`
	Padding       *bool         `yaml:"padding"`
	BufferSize    int           `yaml:"buffer_size"`
}

type listenerFile struct {
	Listeners []listenerEntry `yaml:"listeners"`
}

// parseListeners decodes a listener file:
//
//	listeners:
//	  - id: 0x7E8
//	    fc_id: 0x7E0
//	    block_size: 8
//	    stmin: 2ms
func parseListeners(data []byte) ([]gateway.Listener, error) {
	var f listenerFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("listeners: %w", err)
	}
	out := make([]gateway.Listener, 0, len(f.Listeners))
	for _, e := range f.Listeners {
		out = append(out, gateway.Listener{
			ID:            uint16(e.ID),
			FlowControlID: uint16(e.FlowControlID),
			BlockSize:     e.BlockSize,
			STmin:         e.STmin,
			Timeout:       e.Timeout,
			Padding:       e.Padding,
			BufferSize:    e.BufferSize,
		})
	}
	return out, nil
}

// loadListeners merges the listener file with -listen-ids and rejects
// duplicate or invalid entries.
func loadListeners(cfg *appConfig) ([]gateway.Listener, error) {
	var ls []gateway.Listener
	if cfg.listenersFile != "" {
		data, err := os.ReadFile(cfg.listenersFile)
		if err != nil {
			return nil, fmt.Errorf("read listeners: %w", err)
		}
		if ls, err = parseListeners(data); err != nil {
			return nil, err
		}
	}
	ids, err := parseIDList(cfg.listenIDs)
	if err != nil {
		return nil, fmt.Errorf("listen-ids: %w", err)
	}
	for _, id := range ids {
		ls = append(ls, gateway.Listener{ID: id})
	}
	seen := make(map[uint16]struct{}, len(ls))
	for _, l := range ls {
		if err := l.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[l.ID]; dup {
			return nil, fmt.Errorf("listener 0x%03X configured twice", l.ID)
		}
		seen[l.ID] = struct{}{}
	}
	return ls, nil
}

// filterIDs returns the ids the SocketCAN filter must pass: every listener id
// plus the configured extras. Nil means no filter.
func filterIDs(cfg *appConfig, ls []gateway.Listener) ([]uint16, error) {
	extra, err := parseIDList(cfg.canFilter)
	if err != nil || len(extra) == 0 {
		return nil, err
	}
	seen := map[uint16]struct{}{}
	var ids []uint16
	add := func(id uint16) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	for _, l := range ls {
		add(l.ID)
	}
	for _, id := range extra {
		add(id)
	}
	return ids, nil
}
