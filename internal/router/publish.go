package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshnode/device-runtime/internal/link"
	"github.com/meshnode/device-runtime/pkg/meshproto"
)

// Topic 组合 prefix[/app]/hostname[/suffix]，prefix 为空时 suffix 即完整主题
func (r *Router) Topic(prefix, suffix string) string {
	if prefix == "" {
		return suffix
	}
	topic := prefix + r.appPart() + "/" + r.Hostname()
	if suffix != "" {
		topic += "/" + suffix
	}
	return topic
}

// Publish 发布到 clients 选中的总线
//
// mesh 子节点经根节点转发；链路断开时返回 ErrLinkDown。
func (r *Router) Publish(clients uint8, topic string, payload []byte, retain bool) error {
	if clients == 0 {
		return nil
	}
	if m := r.cfg.Machine; m != nil && m.LinkDown() != 0 {
		return ErrLinkDown
	}
	if relay := r.cfg.Relay; relay != nil && relay.Active() && !relay.IsRoot() {
		msg := meshproto.RelayMessage{Tag: meshproto.RootTag(clients, retain), Topic: topic, Payload: payload}
		if err := relay.SendMQTT(context.Background(), meshproto.MAC{}, true, msg); err != nil {
			log.Debug().
				Err(err).
				Str("topic", topic).
				Msg("relay to root failed")
		}
		return nil
	}
	log.Debug().
		Uint8("clients", clients).
		Str("topic", topic).
		Bytes("payload", payload).
		Msg("publish")
	return r.cfg.Pool.Publish(clients, topic, payload, retain)
}

// Send 以 JSON 发布 v 到 prefix[/app]/hostname[/suffix]
func (r *Router) Send(prefix string, retain bool, suffix string, v any, clients uint8) error {
	topic := r.Topic(prefix, suffix)
	if topic == "" {
		return ErrNoTopic
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	if r.cfg.Tap != nil {
		r.cfg.Tap(topic, payload)
	}
	return r.Publish(clients, topic, payload, retain)
}

// State 保留的状态消息
func (r *Router) State(suffix string, v any) error {
	return r.Send(r.cfg.Settings.PrefixState.Text(0), true, suffix, v, 1)
}

// Event 事件消息
func (r *Router) Event(suffix string, v any) error {
	return r.Send(r.cfg.Settings.PrefixEvent.Text(0), false, suffix, v, 1)
}

// Info 信息消息
func (r *Router) Info(suffix string, v any) error {
	return r.Send(r.cfg.Settings.PrefixInfo.Text(0), false, suffix, v, 1)
}

// InfoClients 在指定总线上发布信息消息
func (r *Router) InfoClients(suffix string, v any, clients uint8) error {
	return r.Send(r.cfg.Settings.PrefixInfo.Text(0), false, suffix, v, clients)
}

// Error 错误消息，先等待链路和第一个总线可用
func (r *Router) Error(suffix string, v any) error {
	if m := r.cfg.Machine; m != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ErrorWait)
		m.Flags().Wait(ctx, link.GotIP|link.Bus(0), true)
		cancel()
	}
	return r.Send(r.cfg.Settings.PrefixError.Text(0), false, suffix, v, 1)
}

// Envelope 新消息对象，带时间戳和节点名
func (r *Router) Envelope() map[string]any {
	e := make(map[string]any)
	if now := r.cfg.Now(); now.Unix() > 1000000000 {
		e["ts"] = now.UTC().Format(time.RFC3339)
	}
	if node := r.cfg.Settings.NodeName.Text(0); node != "" {
		e["node"] = node
	}
	return e
}

// WillTopic 遗嘱主题 state[/app]/hostname
func (r *Router) WillTopic() string {
	return r.Topic(r.cfg.Settings.PrefixState.Text(0), "")
}

// WillPayload 遗嘱内容
func (r *Router) WillPayload() []byte {
	return []byte(`{"up":false}`)
}

// Subscribe 订阅发给 mac 的命令和设置主题，设置只在第一个总线上订阅
func (r *Router) Subscribe(client int, mac meshproto.MAC) error {
	c := r.cfg.Pool.Get(client)
	if c == nil {
		return nil
	}
	for _, topic := range r.subscriptions(client, mac) {
		if err := c.Subscribe(topic); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	log.Info().
		Int("client", client).
		Str("id", mac.String()).
		Msg("已订阅")
	return nil
}

// Unsubscribe 取消 Subscribe 的订阅
func (r *Router) Unsubscribe(client int, mac meshproto.MAC) error {
	c := r.cfg.Pool.Get(client)
	if c == nil {
		return nil
	}
	for _, topic := range r.subscriptions(client, mac) {
		if err := c.Unsubscribe(topic); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", topic, err)
		}
	}
	log.Info().
		Int("client", client).
		Str("id", mac.String()).
		Msg("已取消订阅")
	return nil
}

func (r *Router) subscriptions(client int, mac meshproto.MAC) []string {
	b := r.cfg.Settings
	id := mac.String()
	all := r.AppName()
	if r.prefixApp() {
		all = "*"
	}
	prefixes := []string{b.PrefixCommand.Text(0)}
	if client == 0 {
		prefixes = append(prefixes, b.PrefixSetting.Text(0))
	}
	var topics []string
	for _, prefix := range prefixes {
		base := prefix + r.appPart() + "/"
		topics = append(topics, base+id+"/#", base+all+"/#")
		if h := r.cfg.Settings.Hostname.Text(0); h != "" && h != id {
			topics = append(topics, base+h+"/#")
		}
	}
	return topics
}
