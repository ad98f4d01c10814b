package browserinfo

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// ErrInvalid is returned for blobs that are not base64 encoded JSON objects.
var ErrInvalid = errors.New("invalid browser info")

const (
	DefaultColorDepth   = 24
	DefaultScreenHeight = 1024
	DefaultScreenWidth  = 1024

	MinTZ = -840
	MaxTZ = 720

	maxAcceptHeader = 2048
	maxLanguage     = 35
	maxUserAgent    = 2048
	maxIP           = 45
)

var colorDepths = map[int]struct{}{
	1: {}, 4: {}, 8: {}, 15: {}, 16: {}, 24: {}, 32: {}, 48: {},
}

// Info is the normalized browser fingerprint.
type Info struct {
	AcceptHeader      string `json:"browserAcceptHeader"`
	ColorDepth        int    `json:"browserColorDepth"`
	IP                string `json:"browserIP,omitempty"`
	JavaEnabled       bool   `json:"browserJavaEnabled"`
	JavascriptEnabled bool   `json:"browserJavascriptEnabled"`
	Language          string `json:"browserLanguage"`
	ScreenHeight      int    `json:"browserScreenHeight"`
	ScreenWidth       int    `json:"browserScreenWidth"`
	TZ                int    `json:"browserTZ"`
	UserAgent         string `json:"browserUserAgent"`
}

// Decode parses a base64(JSON) blob and returns the normalized Info.
// Standard, raw and URL-safe base64 alphabets are accepted.
func Decode(blob string) (Info, error) {
	raw, err := decodeBase64(strings.TrimSpace(blob))
	if err != nil {
		return Info{}, ErrInvalid
	}
	return DecodeJSON(raw)
}

// DecodeJSON parses an already decoded JSON object.
func DecodeJSON(raw []byte) (Info, error) {
	if !gjson.ValidBytes(raw) {
		return Info{}, ErrInvalid
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return Info{}, ErrInvalid
	}

	info := Info{
		AcceptHeader:      doc.Get("browserAcceptHeader").String(),
		IP:                doc.Get("browserIP").String(),
		JavaEnabled:       doc.Get("browserJavaEnabled").Bool(),
		JavascriptEnabled: true,
		Language:          doc.Get("browserLanguage").String(),
		UserAgent:         doc.Get("browserUserAgent").String(),
	}
	info.ColorDepth, _ = intField(doc.Get("browserColorDepth"))
	info.ScreenHeight, _ = intField(doc.Get("browserScreenHeight"))
	info.ScreenWidth, _ = intField(doc.Get("browserScreenWidth"))
	info.TZ, _ = intField(doc.Get("browserTZ"))

	return Normalize(info), nil
}

// Encode renders info as the base64(JSON) blob Decode accepts.
func Encode(info Info) (string, error) {
	data, err := json.Marshal(info)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Normalize applies the field defaults, clamps and length limits.
func Normalize(info Info) Info {
	if _, ok := colorDepths[info.ColorDepth]; !ok {
		info.ColorDepth = DefaultColorDepth
	}
	if info.ScreenHeight <= 0 {
		info.ScreenHeight = DefaultScreenHeight
	}
	if info.ScreenWidth <= 0 {
		info.ScreenWidth = DefaultScreenWidth
	}
	info.TZ = max(MinTZ, min(MaxTZ, info.TZ))
	info.JavascriptEnabled = true

	info.AcceptHeader = cleanString(info.AcceptHeader, maxAcceptHeader)
	info.Language = cleanString(info.Language, maxLanguage)
	info.UserAgent = cleanString(info.UserAgent, maxUserAgent)
	info.IP = cleanString(info.IP, maxIP)
	return info
}

func decodeBase64(s string) ([]byte, error) {
	if s == "" {
		return nil, ErrInvalid
	}
	var lastErr error
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		out, err := enc.DecodeString(s)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func intField(r gjson.Result) (int, bool) {
	switch r.Type {
	case gjson.Number:
		if r.Num != float64(int64(r.Num)) {
			return 0, false
		}
		return int(r.Int()), true
	case gjson.String:
		n, err := strconv.Atoi(strings.TrimSpace(r.Str))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func cleanString(s string, limit int) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == utf8.RuneError {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	// Cut on a rune boundary.
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
