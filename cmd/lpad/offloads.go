package main

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/HerbHall/wlanlpa/internal/mqtt"
	"github.com/HerbHall/wlanlpa/internal/offload/arp"
	"github.com/HerbHall/wlanlpa/internal/offload/nko"
	"github.com/HerbHall/wlanlpa/internal/offload/nullko"
	"github.com/HerbHall/wlanlpa/internal/offload/tko"
	"github.com/HerbHall/wlanlpa/internal/offload/tlsko"
	"github.com/HerbHall/wlanlpa/internal/offload/wowl"
	"github.com/HerbHall/wlanlpa/pkg/offload"
	"go.uber.org/zap"
)

var errNoBroker = errors.New("from_mqtt set but no mqtt broker is configured")

var knownOffloads = map[string]bool{
	"arp": true, "tko": true, "nko": true, "tlsko": true, "wowl": true, "nullko": true,
}

// buildOffloads constructs the enabled offloads in the configured order.
// cfg is the "offloads" subtree. Unknown and duplicate names are errors.
func buildOffloads(ctx context.Context, cfg offload.Config, reporter *mqtt.Reporter, logger *zap.Logger) ([]offload.Offload, error) {
	var order []string
	if v, ok := cfg.Get("order").([]string); ok {
		order = v
	} else if v, ok := cfg.Get("order").([]any); ok {
		for _, s := range v {
			order = append(order, fmt.Sprint(s))
		}
	}

	seen := make(map[string]bool, len(order))
	list := make([]offload.Offload, 0, len(order))
	for _, name := range order {
		if !knownOffloads[name] {
			return nil, fmt.Errorf("unknown offload %q in offloads.order", name)
		}
		if seen[name] {
			return nil, fmt.Errorf("offload %q listed twice in offloads.order", name)
		}
		seen[name] = true

		sub := cfg.Sub(name)
		if !sub.GetBool("enabled") {
			logger.Debug("offload disabled", zap.String("offload", name))
			continue
		}
		mod, err := buildOffload(ctx, name, sub, reporter, logger)
		if err != nil {
			return nil, fmt.Errorf("offload %q: %w", name, err)
		}
		list = append(list, mod)
	}
	return list, nil
}

func buildOffload(ctx context.Context, name string, sub offload.Config, reporter *mqtt.Reporter, logger *zap.Logger) (offload.Offload, error) {
	switch name {
	case "arp":
		c, err := arp.ParseConfig(sub)
		if err != nil {
			return nil, err
		}
		return arp.New(c), nil
	case "tko":
		c, err := tko.ParseConfig(sub)
		if err != nil {
			return nil, err
		}
		return tko.New(c), nil
	case "nko":
		c, err := nko.ParseConfig(sub)
		if err != nil {
			return nil, err
		}
		return nko.New(c, nko.WithResolver(net.DefaultResolver)), nil
	case "tlsko":
		var (
			c   tlsko.Config
			err error
		)
		if sub.GetBool("from_mqtt") {
			c, err = tlsConfigFromReporter(ctx, sub, reporter)
		} else {
			c, err = tlsko.ParseConfig(sub)
		}
		if err != nil {
			return nil, err
		}
		// The daemon has no TLS stack whose record state it can export, so
		// the offload stays unarmed until an application supplies a session
		// through UpdateConfig.
		logger.Warn("tls keepalive offload enabled without a session; it will not arm",
			zap.Stringer("remote", c.RemoteIP),
		)
		return tlsko.New(c, nil), nil
	case "wowl":
		c, err := wowl.ParseConfig(sub)
		if err != nil {
			return nil, err
		}
		return wowl.New(c), nil
	case "nullko":
		c, err := nullko.ParseConfig(sub)
		if err != nil {
			return nil, err
		}
		return nullko.New(c), nil
	default:
		return nil, fmt.Errorf("unknown offload %q", name)
	}
}

// tlsConfigFromReporter takes the broker tuple and keepalive from the MQTT
// reporter's connection. Only local_port and wake_pattern are read from sub.
func tlsConfigFromReporter(ctx context.Context, sub offload.Config, reporter *mqtt.Reporter) (tlsko.Config, error) {
	if reporter == nil {
		return tlsko.Config{}, errNoBroker
	}
	reader, ok := reporter.OptionsReader()
	if !ok {
		return tlsko.Config{}, errNoBroker
	}
	c, err := tlsko.FromMQTTOptions(ctx, reader, uint16(sub.GetInt("local_port")), net.DefaultResolver)
	if err != nil {
		return c, err
	}
	if p := sub.GetString("wake_pattern"); p != "" {
		c.WakePattern = []byte(p)
	}
	return c, c.Validate()
}
