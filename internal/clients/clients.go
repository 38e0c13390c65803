package clients

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
)

var ErrPushDisabled = errors.New("push channel not configured")

// LinePush delivers text messages through the LINE Messaging API push
// endpoint. The address is a LINE user id.
type LinePush struct {
	api *messaging_api.MessagingApiAPI
}

// NewLinePush builds the push client. An empty endpoint uses the SDK default.
func NewLinePush(channelToken, endpoint string, timeout time.Duration) (*LinePush, error) {
	if channelToken == "" {
		return nil, ErrPushDisabled
	}
	opts := []messaging_api.MessagingApiAPIOption{
		messaging_api.WithHTTPClient(&http.Client{Timeout: timeout}),
	}
	if endpoint != "" {
		opts = append(opts, messaging_api.WithEndpoint(endpoint))
	}
	api, err := messaging_api.NewMessagingApiAPI(channelToken, opts...)
	if err != nil {
		return nil, err
	}
	return &LinePush{api: api}, nil
}

func (p *LinePush) Push(ctx context.Context, address, text string) error {
	if p == nil || p.api == nil {
		return ErrPushDisabled
	}
	_, err := p.api.WithContext(ctx).PushMessage(&messaging_api.PushMessageRequest{
		To: address,
		Messages: []messaging_api.MessageInterface{
			messaging_api.TextMessage{Text: text},
		},
	}, "")
	return err
}

// Disabled is the channel used when no push token is configured. Every
// delivery fails and is recorded as such.
type Disabled struct{}

func (Disabled) Push(context.Context, string, string) error {
	return ErrPushDisabled
}
