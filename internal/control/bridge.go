// Package control 把网络缓存层的控制消息（SKIP_WAITING/CLEAR_CACHE/GET_STATS）
// 桥接到 NATS request/reply 主题，方便运维脚本在多台实例上统一下发。
package control

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/pokedex-swift/pokedex-swift/internal/logging"
	"github.com/pokedex-swift/pokedex-swift/internal/netcache"
)

// DefaultReplyTimeout 是等待 Registration 回复的上限。
const DefaultReplyTimeout = 30 * time.Second

// Poster 抽象 netcache.Registration 的消息入口。
type Poster interface {
	Post(msg netcache.Message) <-chan netcache.Reply
}

// Options 配置 Bridge。
type Options struct {
	URL          string
	Subject      string
	ReplyTimeout time.Duration
	Logger       *logrus.Logger
}

// Bridge 持有 NATS 连接与订阅。
type Bridge struct {
	poster  Poster
	timeout time.Duration
	logger  *logrus.Logger

	conn *nats.Conn
	sub  *nats.Subscription
}

// Start 连接 NATS 并订阅控制主题。每条请求都会得到恰好一次回复。
func Start(opts Options, poster Poster) (*Bridge, error) {
	if poster == nil {
		return nil, errors.New("control: poster required")
	}
	subject := strings.TrimSpace(opts.Subject)
	if subject == "" {
		return nil, errors.New("control: subject required")
	}
	b := newBridge(opts, poster)

	conn, err := nats.Connect(
		opts.URL,
		nats.Name("pokedex-swift-control"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
	)
	if err != nil {
		return nil, err
	}
	sub, err := conn.Subscribe(subject, b.onMessage)
	if err != nil {
		conn.Close()
		return nil, err
	}
	b.conn = conn
	b.sub = sub

	b.logger.WithFields(logrus.Fields{
		"action":  "control_subscribe",
		"subject": subject,
		"url":     conn.ConnectedUrl(),
	}).Info("控制通道已订阅")
	return b, nil
}

func newBridge(opts Options, poster Poster) *Bridge {
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = DefaultReplyTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Bridge{poster: poster, timeout: opts.ReplyTimeout, logger: opts.Logger}
}

func (b *Bridge) onMessage(m *nats.Msg) {
	payload := b.handle(m.Data)
	if m.Reply == "" {
		return
	}
	if err := m.Respond(payload); err != nil {
		b.logger.WithError(err).WithField("action", "control_reply").Warn("控制消息回复失败")
	}
}

// handle 解码请求、转交 Registration 并编码回复，不依赖 NATS 连接。
func (b *Bridge) handle(data []byte) []byte {
	var msg netcache.Message
	if err := json.Unmarshal(data, &msg); err != nil || strings.TrimSpace(msg.Type) == "" {
		return encode(netcache.Reply{Success: false, Error: "invalid_message"})
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case reply := <-b.poster.Post(msg):
		b.logger.WithFields(logrus.Fields{
			"action":  "control_message",
			"type":    msg.Type,
			"success": reply.Success,
		}).Debug("控制消息已处理")
		return encode(reply)
	case <-timer.C:
		return encode(netcache.Reply{ID: msg.ID, Success: false, Error: "reply_timeout"})
	}
}

func encode(reply netcache.Reply) []byte {
	data, err := json.Marshal(reply)
	if err != nil {
		return []byte(`{"success":false,"error":"encode_failed"}`)
	}
	return data
}

// Close 排空订阅后关闭连接。
func (b *Bridge) Close() error {
	if b == nil || b.conn == nil {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}
