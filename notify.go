package jobcoord

import (
	"context"
	"fmt"
	"time"
)

// Channel discriminates notification payload variants. Dispatch at the worker
// boundary is an exhaustive switch, so adding a channel is a compile-visible
// change in exactly two places: the payload type and the handler set.
type Channel string

const (
	ChannelTelegram Channel = "telegram"
	ChannelEmail    Channel = "email"
)

// TelegramNotification is the payload for one Telegram delivery.
type TelegramNotification struct {
	Meta
	SignalID string `json:"signal_id"`
	UserID   string `json:"user_id"`
	ChatID   string `json:"chat_id"`
	Text     string `json:"text"`
}

// EmailNotification is the payload for one email delivery.
type EmailNotification struct {
	Meta
	SignalID string `json:"signal_id"`
	UserID   string `json:"user_id"`
	Address  string `json:"address"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
}

// notificationEnvelope is the wire shape stored in the queue: the channel tag
// plus exactly one populated variant.
type notificationEnvelope struct {
	Channel  Channel               `json:"channel"`
	Telegram *TelegramNotification `json:"telegram,omitempty"`
	Email    *EmailNotification    `json:"email,omitempty"`
}

// NotificationHandlers carries one delivery function per channel. A nil
// handler for an encountered channel fails the job with ErrUnknownChannel;
// retries will keep hitting the same condition, which is the intended signal
// that the worker deployment is misconfigured.
type NotificationHandlers struct {
	Telegram func(ctx context.Context, n TelegramNotification) error
	Email    func(ctx context.Context, n EmailNotification) error
}

// Notifications bundles the notification queue's producer and consumer sides
// into one object graph over a shared queue/worker registry pair.
type Notifications struct {
	queues  *Queues
	workers *Workers
	log     Logger
}

// NewNotifications creates the bundle. The queue itself is created lazily on
// first use with the notification policy from the registry's table.
func NewNotifications(queues *Queues, workers *Workers, log Logger) *Notifications {
	if log == nil {
		log = NopLogger{}
	}
	return &Notifications{queues: queues, workers: workers, log: log}
}

// EnqueueTelegram queues one Telegram delivery. The job ID is derived from
// the signal and user, guaranteeing at most one queued notification per
// (signal, user) pair no matter how many scan ticks rediscover it.
func (n *Notifications) EnqueueTelegram(ctx context.Context, p TelegramNotification) (string, error) {
	id := fmt.Sprintf("telegram:%s:%s", p.SignalID, p.UserID)
	env := &envelopeWithMeta{
		notificationEnvelope: notificationEnvelope{Channel: ChannelTelegram, Telegram: &p},
		meta:                 &p.Meta,
	}
	return n.queues.Add(ctx, QueueNotification, "notify", env, JobID(id))
}

// EnqueueEmail queues one email delivery, deduplicated per (signal, user).
func (n *Notifications) EnqueueEmail(ctx context.Context, p EmailNotification) (string, error) {
	id := fmt.Sprintf("email:%s:%s", p.SignalID, p.UserID)
	env := &envelopeWithMeta{
		notificationEnvelope: notificationEnvelope{Channel: ChannelEmail, Email: &p},
		meta:                 &p.Meta,
	}
	return n.queues.Add(ctx, QueueNotification, "notify", env, JobID(id))
}

// StartWorker consumes the notification queue, dispatching each job to the
// handler registered for its channel. The default rate limit of 25 jobs per
// second leaves a safety margin under Telegram's documented ~30/s ceiling;
// override with RateLimit.
func (n *Notifications) StartWorker(h NotificationHandlers, opts ...WorkerOption) *Worker {
	all := append([]WorkerOption{RateLimit(25, time.Second)}, opts...)
	enc := &JSONEncoder{}
	return n.workers.Create(QueueNotification, func(ctx context.Context, job *Job) error {
		var env notificationEnvelope
		if err := enc.Decode(job.Payload, &env); err != nil {
			return fmt.Errorf("decode notification payload: %w", err)
		}
		switch env.Channel {
		case ChannelTelegram:
			if h.Telegram == nil || env.Telegram == nil {
				return fmt.Errorf("%w: %s", ErrUnknownChannel, env.Channel)
			}
			return h.Telegram(ctx, *env.Telegram)
		case ChannelEmail:
			if h.Email == nil || env.Email == nil {
				return fmt.Errorf("%w: %s", ErrUnknownChannel, env.Channel)
			}
			return h.Email(ctx, *env.Email)
		default:
			return fmt.Errorf("%w: %s", ErrUnknownChannel, env.Channel)
		}
	}, all...)
}

// envelopeWithMeta lets Add stamp the variant's embedded Meta while encoding
// the envelope shape.
type envelopeWithMeta struct {
	notificationEnvelope
	meta *Meta
}

func (e *envelopeWithMeta) StampTimestamp(ms int64) { e.meta.StampTimestamp(ms) }
func (e *envelopeWithMeta) EventTimestamp() int64   { return e.meta.EventTimestamp() }
