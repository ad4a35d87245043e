package engine

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ListenStateResilient — цикл "живучей" подписки на сигналы Redis формата "id:on|off".
// Переподписывается после обрыва и при каждом успешном коннекте вызывает onReconnect,
// чтобы догнать сигналы, пропущенные за время разрыва.
func ListenStateResilient(
	ctx context.Context,
	rdb redis.UniversalClient,
	logger *zap.Logger,
	channel string,
	onReconnect func() error,
	onMessage func(id string, status bool),
) {
	for {
		pubsub := rdb.Subscribe(ctx, channel)

		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}

		if err := onReconnect(); err != nil {
			logger.Error("sync failed on reconnect", zap.String("chan", channel), zap.Error(err))
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // канал закрыт, идем на переподключение
				}
				id, status, ok := parseSignal(msg.Payload)
				if !ok {
					logger.Error("invalid signal format", zap.String("payload", msg.Payload))
					continue
				}
				onMessage(id, status)
			}
		}

		pubsub.Close()
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

// parseSignal разбирает "agent-001:on". ID может содержать двоеточия, статус — последний сегмент.
func parseSignal(payload string) (string, bool, bool) {
	i := strings.LastIndexByte(payload, ':')
	if i <= 0 || i == len(payload)-1 {
		return "", false, false
	}
	switch payload[i+1:] {
	case "on", "true":
		return payload[:i], true, true
	case "off", "false":
		return payload[:i], false, true
	}
	return "", false, false
}

func signal(id string, on bool) string {
	if on {
		return id + ":on"
	}
	return id + ":off"
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
