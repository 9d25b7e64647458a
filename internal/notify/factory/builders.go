package factory

import (
	"go.uber.org/zap"

	"github.com/rkastur/pigeon/internal/notify"
	"github.com/rkastur/pigeon/internal/notify/email"
	"github.com/rkastur/pigeon/internal/notify/push"
	"github.com/rkastur/pigeon/internal/notify/sms"
	"github.com/rkastur/pigeon/internal/notify/webhook"
)

// DefaultBuilders maps every supported channel to its adapter
// constructor.
func DefaultBuilders() map[notify.Channel]AdapterBuilder {
	return map[notify.Channel]AdapterBuilder{
		notify.ChannelSMS: func(logger *zap.Logger) notify.Adapter {
			return sms.New(logger)
		},
		notify.ChannelWebhook: func(logger *zap.Logger) notify.Adapter {
			return webhook.New(logger)
		},
		notify.ChannelEmail: func(logger *zap.Logger) notify.Adapter {
			return email.New(logger)
		},
		notify.ChannelPush: func(logger *zap.Logger) notify.Adapter {
			return push.New(logger)
		},
	}
}
