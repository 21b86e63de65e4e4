package twilio

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/callturn/pkg/transports"
)

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// Dialer places outbound calls through the Twilio REST API. The answered
// call fetches the voice webhook and streams into the same server as an
// inbound call.
type Dialer struct {
	cfg    Config
	client callCreator
}

func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg.withDefaults()}
}

// Dial places an outbound call and returns its call SID. An empty url uses
// the configured voice webhook.
func (d *Dialer) Dial(ctx context.Context, to, from, url string, opts transports.DialOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(to) == "" || strings.TrimSpace(from) == "" {
		return "", errors.New("twilio: to and from are required")
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return "", errors.New("twilio: missing credentials")
	}
	if url == "" {
		url = d.cfg.voiceWebhookURL()
	}
	client := d.client
	if client == nil {
		client = newRestClient(d.cfg).Api
	}
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(url)
	params.SetStatusCallback(d.cfg.statusCallbackURL())
	params.SetStatusCallbackEvent([]string{"completed"})
	if strings.TrimSpace(opts.SendDigits) != "" {
		params.SetSendDigits(opts.SendDigits)
	}
	if opts.Timeout > 0 {
		params.SetTimeout(opts.Timeout)
	}
	resp, err := client.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("twilio: create call: %w", err)
	}
	if resp == nil || resp.Sid == nil {
		return "", errors.New("twilio: missing call sid")
	}
	return *resp.Sid, nil
}

func newRestClient(cfg Config) *twilio.RestClient {
	return twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
}

var _ transports.OutboundDialer = (*Dialer)(nil)
