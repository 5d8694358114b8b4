package api

import (
	"log/slog"
	"net/url"

	twilioClient "github.com/twilio/twilio-go/client"
)

const (
	twilioSignatureHeader = "X-Twilio-Signature"
	emptyTwiML            = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`
)

// twilioVerifier checks Twilio webhook signatures. A nil verifier accepts every request.
type twilioVerifier struct {
	validator  twilioClient.RequestValidator
	webhookURL string
}

func newTwilioVerifier(authToken, webhookURL string) *twilioVerifier {
	if authToken == "" || webhookURL == "" {
		slog.Debug("Twilio signature checks disabled")
		return nil
	}
	return &twilioVerifier{validator: twilioClient.NewRequestValidator(authToken), webhookURL: webhookURL}
}

func (v *twilioVerifier) valid(form url.Values, signature string) bool {
	if v == nil {
		return true
	}
	if signature == "" {
		return false
	}
	params := make(map[string]string, len(form))
	for key := range form {
		params[key] = form.Get(key)
	}
	return v.validator.Validate(v.webhookURL, params, signature)
}
