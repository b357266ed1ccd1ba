package telephony

import (
	"context"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/carelinehq/careline/pkg/errorsx"
)

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// Dialer places outbound calls through the Twilio REST API.
type Dialer struct {
	cfg    Config
	client callCreator
}

func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg.withDefaults()}
}

// Dial starts an outbound call that fetches its TwiML from twimlURL. An empty
// from falls back to the configured caller id. Returns the provider call SID.
func (d *Dialer) Dial(ctx context.Context, to, from, twimlURL string) (string, error) {
	_ = ctx
	if from == "" {
		from = d.cfg.FromNumber
	}
	if to == "" || from == "" {
		return "", errorsx.New("to and from numbers required", errorsx.ReasonDial)
	}
	if twimlURL == "" {
		return "", errorsx.New("twiml url required", errorsx.ReasonDial)
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return "", errorsx.New("missing twilio credentials", errorsx.ReasonDial)
	}
	client := d.client
	if client == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: d.cfg.AccountSID,
			Password: d.cfg.AuthToken,
		})
		client = rest.Api
	}
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(twimlURL)
	if d.cfg.PublicURL != "" {
		params.SetStatusCallback("https://" + normalizePublicURL(d.cfg.PublicURL) + d.cfg.StatusCallbackPath)
		params.SetStatusCallbackEvent([]string{"completed"})
	}
	resp, err := client.CreateCall(params)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonDial)
	}
	if resp == nil || resp.Sid == nil {
		return "", errorsx.New("create call returned no sid", errorsx.ReasonDial)
	}
	return *resp.Sid, nil
}
