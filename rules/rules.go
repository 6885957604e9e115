// Package rules holds the constant tables used by the sanitizer, link auditor,
// asset localizer and fingerprint detector. Components receive a *Rules value
// instead of reading package globals, so a run can swap in its own tables.
package rules

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Platform maps a sending platform label to the substrings that identify it.
type Platform struct {
	Name    string   `mapstructure:"name"`
	Markers []string `mapstructure:"markers"`
}

// HeaderMarker identifies a platform from the value of one transport header.
type HeaderMarker struct {
	Header   string `mapstructure:"header"`
	Contains string `mapstructure:"contains"`
	Platform string `mapstructure:"platform"`
}

// Rules is the full set of injected tables.
type Rules struct {
	TrackingPatterns   []string       `mapstructure:"tracking_patterns"`
	DevPatterns        []string       `mapstructure:"dev_patterns"`
	Platforms          []Platform     `mapstructure:"platforms"`
	PriorityPlatforms  []Platform     `mapstructure:"priority_platforms"`
	HeaderMarkers      []HeaderMarker `mapstructure:"header_markers"`
	ForwardMarkers     []string       `mapstructure:"forward_markers"`
	LazyAttributes     []string       `mapstructure:"lazy_attributes"`
	ViewerStyleMarkers []string       `mapstructure:"viewer_style_markers"`
	UnsubscribeWords   []string       `mapstructure:"unsubscribe_words"`
}

// FingerprintHeaders are the transport headers inspected by the first detection tier.
var FingerprintHeaders = []string{
	"X-Mailer",
	"X-Report-Abuse",
	"X-Report-Abuse-To",
	"List-Unsubscribe",
	"X-Mailer-RecptId",
	"X-Campaign",
	"X-SG-EID",
	"X-Mailgun-Sid",
	"X-MC-User",
	"X-Kmail-Account",
	"X-HS-Email",
	"Feedback-ID",
}

// Default returns the built-in tables.
func Default() *Rules {
	return &Rules{
		TrackingPatterns: []string{
			"api.getinside.media",
			"google-analytics.com",
			"doubleclick.net",
			"facebook.com/tr",
			"criteo.com",
			"matomo",
			"pixel.gif",
			"analytics",
			"tracking",
			"open.aspx",
		},
		DevPatterns: []string{
			"localhost",
			"127.0.0.1",
			".local",
			".internal",
			"staging",
			"stage.",
			"dev.",
			"test.",
			".test",
			"preprod",
			"sandbox",
			"uat.",
		},
		// Specific ESP markers that would otherwise lose to a generic relay
		// listed earlier in the table.
		PriorityPlatforms: []Platform{
			{Name: "Klaviyo", Markers: []string{"klclick", "trk.klaviyo"}},
			{Name: "Mailchimp", Markers: []string{"list-manage.com", "mcusercontent.com"}},
			{Name: "HubSpot", Markers: []string{"hubspotlinks.com", "_hsenc"}},
			{Name: "Brevo (Sendinblue)", Markers: []string{"sendibt", "sib_link_id", "nl2go"}},
		},
		Platforms: []Platform{
			{Name: "Salesforce", Markers: []string{"sfmc-content", "exacttarget", "pardot", "salesforce"}},
			{Name: "HubSpot", Markers: []string{"hubspot", "hs-cta", "_hsenc", "hubspotemail"}},
			{Name: "Marketo", Markers: []string{"marketo", "mkt_tok", "mkto-"}},
			{Name: "Braze", Markers: []string{"braze", "appboy"}},
			{Name: "Klaviyo", Markers: []string{"klaviyo", "klclick", "trk_id=", "manage_preferences?a="}},
			{Name: "Shopify", Markers: []string{"shopify", "shopifyemail"}},
			{Name: "Mailchimp", Markers: []string{"mailchimp", "list-manage.com", "mc_cid"}},
			{Name: "Brevo (Sendinblue)", Markers: []string{"sendinblue", "brevo", "nl2go", "sib_link_id"}},
			{Name: "ActiveCampaign", Markers: []string{"activehosted", "ac_link"}},
			{Name: "Dotdigital", Markers: []string{"dotdigital", "dotmailer"}},
			{Name: "Iterable", Markers: []string{"iterable", "links.iterable.com"}},
			{Name: "Emarsys", Markers: []string{"emarsys", "sc.emarsys.com"}},
			{Name: "Bloomreach", Markers: []string{"bloomreach", "exponea"}},
			{Name: "Attentive", Markers: []string{"attentive", "attn.tv"}},
			{Name: "Yotpo", Markers: []string{"yotpo", "smsbump"}},
			{Name: "Recharge", Markers: []string{"recharge", "rechargepayments"}},
			{Name: "Sailthru", Markers: []string{"sailthru", "cb.sailthru.com"}},
			{Name: "Cordial", Markers: []string{"cordial", "crdl.io"}},
			{Name: "Selligent", Markers: []string{"selligent", "emsecure.net"}},
			{Name: "Adobe Campaign", Markers: []string{"neolane", "adobe-campaign"}},
			{Name: "Oracle Responsys", Markers: []string{"responsys", "rsys"}},
			{Name: "Mailgun", Markers: []string{"mailgun"}},
			{Name: "SendGrid", Markers: []string{"sendgrid", "sg_event_id"}},
		},
		HeaderMarkers: []HeaderMarker{
			{Header: "X-Mailer", Contains: "mailchimp", Platform: "Mailchimp"},
			{Header: "X-MC-User", Contains: "", Platform: "Mailchimp"},
			{Header: "X-Report-Abuse", Contains: "mailchimp", Platform: "Mailchimp"},
			{Header: "X-Kmail-Account", Contains: "", Platform: "Klaviyo"},
			{Header: "X-Mailer", Contains: "klaviyo", Platform: "Klaviyo"},
			{Header: "X-HS-Email", Contains: "", Platform: "HubSpot"},
			{Header: "X-Report-Abuse-To", Contains: "hubspot", Platform: "HubSpot"},
			{Header: "X-Mailer", Contains: "sendinblue", Platform: "Brevo (Sendinblue)"},
			{Header: "X-Mailer", Contains: "brevo", Platform: "Brevo (Sendinblue)"},
			{Header: "X-Mailer-RecptId", Contains: "", Platform: "Brevo (Sendinblue)"},
			{Header: "X-Mailer", Contains: "exacttarget", Platform: "Salesforce"},
			{Header: "X-Report-Abuse", Contains: "exacttarget", Platform: "Salesforce"},
			{Header: "X-Campaign", Contains: "", Platform: "Marketo"},
			{Header: "X-SG-EID", Contains: "", Platform: "SendGrid"},
			{Header: "X-Mailgun-Sid", Contains: "", Platform: "Mailgun"},
			{Header: "List-Unsubscribe", Contains: "list-manage.com", Platform: "Mailchimp"},
			{Header: "List-Unsubscribe", Contains: "klaviyo", Platform: "Klaviyo"},
			{Header: "List-Unsubscribe", Contains: "hubspot", Platform: "HubSpot"},
			{Header: "List-Unsubscribe", Contains: "sendinblue", Platform: "Brevo (Sendinblue)"},
			{Header: "List-Unsubscribe", Contains: "braze", Platform: "Braze"},
			{Header: "Feedback-ID", Contains: "shopify", Platform: "Shopify"},
		},
		ForwardMarkers: []string{
			"---------- forwarded message ----------",
			"-----original message-----",
			"begin forwarded message",
			"forwarded message",
			"message transféré",
			"weitergeleitete nachricht",
			"mensaje reenviado",
		},
		LazyAttributes: []string{
			"data-src",
			"data-original",
			"data-lazy",
			"data-lazy-src",
			"data-url",
		},
		ViewerStyleMarkers: []string{
			".device-frame",
			".meta-sidebar",
		},
		UnsubscribeWords: []string{
			"unsubscribe",
			"désabonner",
			"désinscri",
			"abmelden",
			"darse de baja",
		},
	}
}

// LoadFile reads a YAML (or any viper supported format) rules file. Tables present
// in the file replace the built-in ones; absent tables keep their defaults.
func LoadFile(path string) (*Rules, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Default(), nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read rules file %s: %w", path, err)
	}

	var loaded Rules
	if err := v.Unmarshal(&loaded); err != nil {
		return nil, fmt.Errorf("decode rules file %s: %w", path, err)
	}

	r := Default()
	r.merge(&loaded)
	r.normalize()
	return r, nil
}

func (r *Rules) merge(o *Rules) {
	if len(o.TrackingPatterns) > 0 {
		r.TrackingPatterns = o.TrackingPatterns
	}
	if len(o.DevPatterns) > 0 {
		r.DevPatterns = o.DevPatterns
	}
	if len(o.Platforms) > 0 {
		r.Platforms = o.Platforms
	}
	if len(o.PriorityPlatforms) > 0 {
		r.PriorityPlatforms = o.PriorityPlatforms
	}
	if len(o.HeaderMarkers) > 0 {
		r.HeaderMarkers = o.HeaderMarkers
	}
	if len(o.ForwardMarkers) > 0 {
		r.ForwardMarkers = o.ForwardMarkers
	}
	if len(o.LazyAttributes) > 0 {
		r.LazyAttributes = o.LazyAttributes
	}
	if len(o.ViewerStyleMarkers) > 0 {
		r.ViewerStyleMarkers = o.ViewerStyleMarkers
	}
	if len(o.UnsubscribeWords) > 0 {
		r.UnsubscribeWords = o.UnsubscribeWords
	}
}

func (r *Rules) normalize() {
	lower := func(in []string) []string {
		out := in[:0]
		for _, s := range in {
			s = strings.ToLower(strings.TrimSpace(s))
			if s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	r.TrackingPatterns = lower(r.TrackingPatterns)
	r.DevPatterns = lower(r.DevPatterns)
	r.ForwardMarkers = lower(r.ForwardMarkers)
	r.UnsubscribeWords = lower(r.UnsubscribeWords)
	for i := range r.Platforms {
		r.Platforms[i].Markers = lower(r.Platforms[i].Markers)
	}
	for i := range r.PriorityPlatforms {
		r.PriorityPlatforms[i].Markers = lower(r.PriorityPlatforms[i].Markers)
	}
	for i := range r.HeaderMarkers {
		r.HeaderMarkers[i].Contains = strings.ToLower(strings.TrimSpace(r.HeaderMarkers[i].Contains))
	}
}

// IsTracking reports whether rawURL contains any tracking pattern.
func (r *Rules) IsTracking(rawURL string) bool {
	return containsAny(strings.ToLower(rawURL), r.TrackingPatterns)
}

// IsDev reports whether host looks like a staging, test or internal host.
func (r *Rules) IsDev(host string) bool {
	return containsAny(strings.ToLower(host), r.DevPatterns)
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}
