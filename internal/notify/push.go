package notify

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// ErrInvalidToken reports a device token the provider no longer accepts.
var ErrInvalidToken = errors.New("device token no longer valid")

// PushMessage is one push notification addressed to one device.
type PushMessage struct {
	Token    string
	Platform string
	Title    string
	Body     string
	Data     map[string]string
}

// PushProvider sends push notifications to devices.
type PushProvider interface {
	Send(ctx context.Context, msg PushMessage) error
}

// NoopProvider discards push messages. It is used when push is disabled.
type NoopProvider struct{}

// Send implements PushProvider.
func (NoopProvider) Send(context.Context, PushMessage) error { return nil }

// FCMProvider sends push messages through Firebase Cloud Messaging.
type FCMProvider struct {
	client *messaging.Client
}

// NewFCMProvider creates a provider from a service account. credentialsJSON
// takes precedence over credentialsFile.
func NewFCMProvider(ctx context.Context, credentialsFile string, credentialsJSON []byte) (*FCMProvider, error) {
	var opt option.ClientOption
	switch {
	case len(credentialsJSON) > 0:
		opt = option.WithCredentialsJSON(credentialsJSON)
	case credentialsFile != "":
		opt = option.WithCredentialsFile(credentialsFile)
	default:
		return nil, errors.New("fcm: no service account credentials configured")
	}

	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("get messaging client: %w", err)
	}
	return &FCMProvider{client: client}, nil
}

// Send implements PushProvider.
func (p *FCMProvider) Send(ctx context.Context, msg PushMessage) error {
	_, err := p.client.Send(ctx, fcmMessage(msg))
	if err != nil {
		if messaging.IsUnregistered(err) || messaging.IsInvalidArgument(err) {
			return fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		return fmt.Errorf("fcm send: %w", err)
	}
	return nil
}

func fcmMessage(msg PushMessage) *messaging.Message {
	m := &messaging.Message{
		Token: msg.Token,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data: msg.Data,
	}
	switch msg.Platform {
	case "ios":
		m.APNS = &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{Aps: &messaging.Aps{Sound: "default"}},
		}
	default:
		m.Android = &messaging.AndroidConfig{
			Priority:     "high",
			Notification: &messaging.AndroidNotification{Sound: "default"},
		}
	}
	return m
}
