package attribution

import (
	"encoding/base64"
	"net"
	"net/http"
	"strings"

	"github.com/mssola/useragent"

	"github.com/AnuragDani/affiliate-engine/internal/models"
)

// TrackingPixel is a transparent 1x1 GIF
var TrackingPixel = mustDecode("R0lGODlhAQABAIAAAAAAAP///yH5BAEAAAAALAAAAAABAAEAAAIBRAA7")

func mustDecode(s string) []byte {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

var utmKeys = []string{"utm_source", "utm_medium", "utm_campaign", "utm_content", "utm_term"}

// RequestFromHTTP extracts click metadata from a pixel request
func RequestFromHTTP(r *http.Request) ClickRequest {
	q := r.URL.Query()

	var utm map[string]string
	for _, k := range utmKeys {
		if v := q.Get(k); v != "" {
			if utm == nil {
				utm = make(map[string]string)
			}
			utm[k] = v
		}
	}

	req := ClickRequest{
		Slug:           strings.TrimSpace(q.Get("a")),
		IPAddress:      ClientIP(r),
		UserAgent:      r.UserAgent(),
		ReferrerURL:    r.Referer(),
		LandingPageURL: q.Get("landingPage"),
		SubID:          q.Get("sub_id"),
		UTMParams:      utm,
	}
	if c, err := r.Cookie(CookieVisitor); err == nil {
		req.VisitorID = c.Value
	}
	return req
}

// ClientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// connection address
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ParseUserAgent extracts browser, OS and device class. Parsing is
// best-effort: anything unrecognised is left empty.
func ParseUserAgent(raw string) (details models.UserAgentDetails) {
	details.Raw = raw
	if raw == "" {
		return details
	}
	defer func() {
		if recover() != nil {
			details = models.UserAgentDetails{Raw: raw}
		}
	}()

	ua := useragent.New(raw)
	details.Browser, details.BrowserVersion = ua.Browser()
	details.OS = ua.OS()
	details.Bot = ua.Bot()
	switch {
	case details.Bot:
		details.Device = "bot"
	case ua.Mobile():
		details.Device = "mobile"
	default:
		details.Device = "desktop"
	}
	return details
}
