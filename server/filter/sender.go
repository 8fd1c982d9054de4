package filter

import (
	"fmt"
	"regexp"
	"strings"
)

// roleLocalParts are local-part prefixes of addresses that are never read by
// a person, or that answer automatically themselves.
var roleLocalParts = []string{
	"accounting", "billing", "bounce", "do.?not.?reply", "no.?reply", "alert",
	"help", "service", "offers", "sales", "newsletter", "announcement",
}

// bulkSenderDomains are domains of transactional, marketing and social
// platforms. A match on the domain or any subdomain suppresses the reply.
var bulkSenderDomains = []string{
	"abcnews.go.com", "activecampaign.com", "acxiom.com", "airbnb.com",
	"aliexpress.com", "amazon.com", "amazonses.com", "americanexpress.com",
	"apnews.com", "atlassian.com", "audible.com", "aweber.com",
	"bankofamerica.com", "bbc.com", "beehiiv.com", "benchmark.email",
	"bestbuy.com", "bitbucket.org", "bluesky.app", "booking.com",
	"bostonglobe.com", "bronto.com", "bsky.app", "buttondown.email",
	"campaignmonitor.com", "cashapp.com", "cbsnews.com", "chase.com",
	"cheetahmail.com", "chicagotribune.com", "circleci.com", "clubhouse.com",
	"cnn.com", "codecov.io", "constantcontact.com", "convertkit.com",
	"crisp.chat", "deezer.com", "desk.com", "discord.com",
	"discoursemail.com", "discoveryplus.com", "disneyplus.com", "docker.com",
	"drift.com", "drip.com", "ebay.com", "edx.org",
	"elasticemail.com", "eloqua.com", "emailoctopus.com", "emarsys.com",
	"epsilon.com", "etsy.com", "exacttarget.com", "expedia.com",
	"experian.com", "facebook.com", "facebookmail.com", "flickr.com",
	"foxnews.com", "freshdesk.com", "freshworks.com", "getresponse.com",
	"ghost.org", "github.com", "gitlab.com", "google.com",
	"groove.co", "gumroad.com", "hbomax.com", "helpscout.com",
	"helpshift.com", "hilton.com", "homedepot.com", "hotels.com",
	"hubspot.com", "hulu.com", "instagram.com", "intercom.com",
	"iterable.com", "jenkins.io", "kayak.com", "kayako.com",
	"kik.com", "klaviyo.com", "latimes.com", "line.me",
	"linkedin.com", "listrak.com", "livechat.com", "lyft.com",
	"mailchimpapp.com", "mailerlite.com", "mailersend.com", "mailgun.net",
	"mailjet.com", "mandrill.com", "marketo.com", "marriott.com",
	"mastercard.com", "mastodon.social", "mautic.org", "medium.com",
	"meetup.com", "mlsend.com", "moosend.com", "nbcnews.com",
	"netflix.com", "newegg.com", "nextdoor.com", "npmjs.com",
	"npr.org", "nypost.com", "nytimes.com", "olark.com",
	"omnisend.com", "pandora.com", "paramountplus.com", "pardot.com",
	"patreon.com", "paypal.com", "peacocktv.com", "pepipost.com",
	"phplist.com", "pinterest.com", "politico.com", "postmark.com",
	"postmarkapp.com", "primevideo.com", "quickbooks.intuit.com", "reddit.com",
	"responsys.com", "reuters.com", "revue.getrevue.co", "sailthru.com",
	"salesforce.com", "sendfox.com", "sendgrid.net", "sendinblue.com",
	"sendpulse.com", "sendwithus.com", "sendy.co", "sfgate.com",
	"shopify.com", "signal.org", "silverpop.com", "skype.com",
	"skyscanner.net", "slack.com", "smtp.com", "snapchat.com",
	"socketlabs.com", "sparkpost.com", "spotify.com", "squareup.com",
	"stackoverflow.com", "stripe.com", "substack.com", "target.com",
	"tawk.to", "telegram.org", "theguardian.com", "threads.net",
	"tiktok.com", "tinyletter.com", "tripadvisor.com", "trivago.com",
	"tumblr.com", "turbosmtp.com", "twitch.tv", "twitter.com",
	"uber.com", "usatoday.com", "uservoice.com", "venmo.com",
	"viber.com", "vimeo.com", "visa.com", "walmart.com",
	"washingtonpost.com", "wayfair.com", "wechat.com", "wellsfargo.com",
	"whatsapp.com", "wsj.com", "x.com", "yesmail.com",
	"youtube.com", "zellepay.com", "zendesk.com", "zoom.us",
	"zopim.com",
}

var baseSenderPattern = buildSenderPattern()

func buildSenderPattern() string {
	roles := make([]string, len(roleLocalParts))
	for i, r := range roleLocalParts {
		roles[i] = r + ".*@"
	}
	domains := make([]string, len(bulkSenderDomains))
	for i, d := range bulkSenderDomains {
		domains[i] = regexp.QuoteMeta(d)
	}
	return "(?i)(" + strings.Join(roles, "|") + ")|[@.](" + strings.Join(domains, "|") + ")(>|$)"
}

// SenderMatcher tests header values such as From or Return-Path against the
// list of senders that should never get an autoreply.
type SenderMatcher struct {
	patterns []*regexp.Regexp
}

// NewSenderMatcher compiles the built-in sender list plus any extra
// expressions. Extra expressions are matched case-insensitively as well.
func NewSenderMatcher(extra ...string) (*SenderMatcher, error) {
	base, err := regexp.Compile(baseSenderPattern)
	if err != nil {
		return nil, fmt.Errorf("compile sender filter: %w", err)
	}
	m := &SenderMatcher{patterns: []*regexp.Regexp{base}}

	for _, expr := range extra {
		if strings.TrimSpace(expr) == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			return nil, fmt.Errorf("compile extra sender pattern %q: %w", expr, err)
		}
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

// Match reports whether value matches any pattern.
func (m *SenderMatcher) Match(value string) bool {
	for _, re := range m.patterns {
		if re.MatchString(value) {
			return true
		}
	}
	return false
}
