package telephony

import (
	"context"
	"log/slog"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/carelinehq/careline/pkg/errorsx"
	"github.com/carelinehq/careline/pkg/redact"
)

// MarketingAgent is the agent persona whose calls get a follow-up SMS.
const MarketingAgent = "wellcare_marketing"

// MarketingSMSBody is the follow-up text sent after a marketing call ends.
const MarketingSMSBody = "Hi, this is Annie from HealthAssist.\n" +
	"Upgrade from the old pendant - get your smart Samsung watch with 24/7 safety & health monitoring.\n" +
	"Special offer: $29.95/mo (use code SPECIAL).\n" +
	"www.wellcaretoday.com"

type messageCreator interface {
	CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error)
}

// Messenger sends SMS through the Twilio REST API.
type Messenger struct {
	cfg    Config
	client messageCreator
	log    *slog.Logger
}

func NewMessenger(cfg Config, log *slog.Logger) *Messenger {
	if log == nil {
		log = slog.Default()
	}
	return &Messenger{cfg: cfg.withDefaults(), log: log}
}

// Send delivers body to the given number from the configured caller id.
// Returns the message SID.
func (m *Messenger) Send(ctx context.Context, to, body string) (string, error) {
	_ = ctx
	if to == "" {
		return "", errorsx.New("no phone number provided", errorsx.ReasonSMSSend)
	}
	if m.cfg.AccountSID == "" || m.cfg.AuthToken == "" || m.cfg.FromNumber == "" {
		return "", errorsx.New("missing twilio credentials", errorsx.ReasonSMSSend)
	}
	client := m.client
	if client == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: m.cfg.AccountSID,
			Password: m.cfg.AuthToken,
		})
		client = rest.Api
	}
	params := &api.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(m.cfg.FromNumber)
	params.SetBody(body)
	resp, err := client.CreateMessage(params)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonSMSSend)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	m.log.Info("sms_sent", "to", redact.Text(to), "sid", sid)
	return sid, nil
}

// SendMarketingFollowUp sends the standard marketing message.
func (m *Messenger) SendMarketingFollowUp(ctx context.Context, to string) (string, error) {
	return m.Send(ctx, to, MarketingSMSBody)
}
