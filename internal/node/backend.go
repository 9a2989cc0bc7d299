package node

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/meshnode/device-runtime/internal/link"
	"github.com/meshnode/device-runtime/pkg/meshproto"
)

// Status implements api.Backend
func (n *Node) Status() map[string]any {
	report, _ := n.statusReport(n.now(), n.uptime(), true)
	return report
}

// Settings implements api.Backend
func (n *Node) Settings() []json.RawMessage {
	chunks, failures := n.registry.Dump(1 << 16)
	for _, f := range failures {
		log.Warn().Str("setting", f.Setting).Str("reason", f.Reason).Msg("setting not exported")
	}
	out := make([]json.RawMessage, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, json.RawMessage(c))
	}
	return out
}

// ApplySettings implements api.Backend
func (n *Node) ApplySettings(data []byte) error {
	return n.registry.ApplyObject(data)
}

// Command implements api.Backend
func (n *Node) Command(name string, payload json.RawMessage) (bool, error) {
	if name == "upgrade" {
		return true, n.ota.Start(nil, payload)
	}
	if ok, err := n.router.Command(name, payload); ok {
		return true, err
	}
	if n.opts.App == nil {
		return false, nil
	}
	return n.opts.App.Handle(0, n.builtin.PrefixCommand.Text(0), nil, &name, payload)
}

// Scan implements api.Backend
func (n *Node) Scan(ctx context.Context) ([]link.Network, error) {
	return n.radio.Scan(ctx)
}

// Bin implements mesh.Handler
func (n *Node) Bin(from meshproto.MAC, data []byte) {
	n.ota.HandleBin(from, data)
}

// MQTT implements mesh.Handler
func (n *Node) MQTT(from meshproto.MAC, msg meshproto.RelayMessage) {
	n.router.MQTT(from, msg)
}

// JSON implements mesh.Handler
func (n *Node) JSON(from meshproto.MAC, data []byte) {
	if n.opts.App == nil {
		return
	}
	target := from.String()
	if _, err := n.opts.App.Handle(0, "mesh", &target, nil, json.RawMessage(data)); err != nil {
		log.Warn().Err(err).Str("from", target).Msg("mesh message")
	}
}
