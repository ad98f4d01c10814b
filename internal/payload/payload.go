package payload

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MrEthical07/goThreeDS/browserinfo"
	"github.com/biter777/countries"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/ttacon/libphonenumber"
)

const (
	AuthenticationIndicator = "01"
	MessageCategoryPayment  = "pa"
	PurchaseDateLayout      = "20060102150405"
)

var (
	ErrInvalidAmount         = errors.New("invalid purchase amount")
	ErrInvalidCurrency       = errors.New("invalid purchase currency")
	ErrInvalidCountry        = errors.New("invalid merchant country")
	ErrInvalidPhone          = errors.New("invalid cardholder phone number")
	ErrInvalidAdditionalData = errors.New("additional data must be a JSON object")
)

var phoneFields = []string{"mobilePhone", "homePhone", "workPhone"}

// Currency is an ISO 4217 currency in wire form.
type Currency struct {
	Numeric  string
	Alpha    string
	Exponent int
}

// ResolveCurrency accepts an alphabetic ("EUR") or numeric ("978") code.
func ResolveCurrency(code string) (Currency, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Currency{}, ErrInvalidCurrency
	}

	var c countries.CurrencyCode
	if n, err := strconv.Atoi(code); err == nil {
		c = countries.CurrencyCode(n)
	} else {
		c = countries.CurrencyCodeByName(strings.ToUpper(code))
	}
	if !c.IsValid() {
		return Currency{}, fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	return Currency{
		Numeric:  fmt.Sprintf("%03d", int(c)),
		Alpha:    c.Alpha(),
		Exponent: c.Digits(),
	}, nil
}

// ResolveCountry returns the ISO 3166 numeric code for an alpha-2, alpha-3
// or English country name.
func ResolveCountry(name string) (string, error) {
	c := countries.ByName(strings.TrimSpace(name))
	if c == countries.Unknown {
		return "", fmt.Errorf("%w: %q", ErrInvalidCountry, name)
	}
	return fmt.Sprintf("%03d", int(c)), nil
}

// MinorUnits converts amount to an integer count of minor units. Amounts
// without a decimal point are taken to be minor units already.
func MinorUnits(amount string, exponent int) (string, error) {
	amount = strings.TrimSpace(amount)
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if d.IsNegative() {
		return "", fmt.Errorf("%w: negative amount", ErrInvalidAmount)
	}
	if strings.Contains(amount, ".") {
		d = d.Shift(int32(exponent))
	}
	if !d.IsInteger() {
		return "", fmt.Errorf("%w: too many decimal places for exponent %d", ErrInvalidAmount, exponent)
	}
	out := d.StringFixed(0)
	if len(out) > 48 {
		return "", fmt.Errorf("%w: too long", ErrInvalidAmount)
	}
	return out, nil
}

// Phone splits number into EMV country code and subscriber parts.
func Phone(number, region string) (cc, subscriber string, err error) {
	num, err := libphonenumber.Parse(number, strings.ToUpper(region))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidPhone, err)
	}
	if !libphonenumber.IsValidNumber(num) {
		return "", "", ErrInvalidPhone
	}
	return strconv.Itoa(int(num.GetCountryCode())), libphonenumber.GetNationalSignificantNumber(num), nil
}

// Init is the body of the init call.
type Init struct {
	MerchantID       string
	AcctNumber       string
	EventCallbackURL string
	RequestorTransID string
}

func BuildInit(in Init) ([]byte, error) {
	return setAll([]byte(`{}`), []field{
		{"merchantId", in.MerchantID},
		{"acctNumber", in.AcctNumber},
		{"eventCallbackUrl", in.EventCallbackURL},
		{"threeDSRequestorTransID", in.RequestorTransID},
	})
}

// Auth is the body of the authentication call.
type Auth struct {
	ServerTransID    string
	RequestorTransID string
	AcctNumber       string
	MerchantID       string
	MerchantCountry  string // ISO 3166 numeric, optional
	CardExpiryDate   string // YYMM
	PurchaseAmount   string // minor units
	Currency         Currency
	PurchaseDate     string
	Browser          browserinfo.Info
	AdditionalData   []byte
	PhoneRegion      string
}

func BuildAuth(in Auth) ([]byte, error) {
	body := []byte(`{}`)
	if len(in.AdditionalData) > 0 {
		if !gjson.ValidBytes(in.AdditionalData) || !gjson.ParseBytes(in.AdditionalData).IsObject() {
			return nil, ErrInvalidAdditionalData
		}
		var err error
		if body, err = normalizePhones(in.AdditionalData, in.PhoneRegion); err != nil {
			return nil, err
		}
	}

	b := in.Browser
	fields := []field{
		{"threeDSServerTransID", in.ServerTransID},
		{"threeDSRequestorTransID", in.RequestorTransID},
		{"acctNumber", in.AcctNumber},
		{"merchantId", in.MerchantID},
		{"authenticationInd", AuthenticationIndicator},
		{"messageCategory", MessageCategoryPayment},
		{"purchaseDate", in.PurchaseDate},
		{"purchaseAmount", in.PurchaseAmount},
		{"purchaseCurrency", in.Currency.Numeric},
		{"purchaseExponent", strconv.Itoa(in.Currency.Exponent)},
		{"browserAcceptHeader", b.AcceptHeader},
		{"browserColorDepth", strconv.Itoa(b.ColorDepth)},
		{"browserJavaEnabled", b.JavaEnabled},
		{"browserJavascriptEnabled", b.JavascriptEnabled},
		{"browserLanguage", b.Language},
		{"browserScreenHeight", strconv.Itoa(b.ScreenHeight)},
		{"browserScreenWidth", strconv.Itoa(b.ScreenWidth)},
		{"browserTZ", strconv.Itoa(b.TZ)},
		{"browserUserAgent", b.UserAgent},
	}
	if in.CardExpiryDate != "" {
		fields = append(fields, field{"cardExpiryDate", in.CardExpiryDate})
	}
	if in.MerchantCountry != "" {
		fields = append(fields, field{"merchantCountryCode", in.MerchantCountry})
	}
	if b.IP != "" {
		fields = append(fields, field{"browserIP", b.IP})
	}
	return setAll(body, fields)
}

// BuildChallengeStatus is the body of the challenge status update.
func BuildChallengeStatus(serverTransID, status string) ([]byte, error) {
	return setAll([]byte(`{}`), []field{
		{"threeDSServerTransID", serverTransID},
		{"status", status},
	})
}

// ProtectedFields lists the keys additional data cannot override.
func ProtectedFields() []string {
	return []string{
		"threeDSServerTransID", "threeDSRequestorTransID", "acctNumber", "merchantId",
		"authenticationInd", "messageCategory", "purchaseDate", "purchaseAmount",
		"purchaseCurrency", "purchaseExponent", "cardExpiryDate",
	}
}

type field struct {
	path  string
	value any
}

func setAll(body []byte, fields []field) ([]byte, error) {
	var err error
	for _, f := range fields {
		body, err = sjson.SetBytes(body, f.path, f.value)
		if err != nil {
			return nil, fmt.Errorf("payload: set %s: %w", f.path, err)
		}
	}
	return body, nil
}

func normalizePhones(data []byte, region string) ([]byte, error) {
	out := append([]byte(nil), data...)
	for _, name := range phoneFields {
		v := gjson.GetBytes(out, name)
		if v.Type != gjson.String {
			continue
		}
		cc, sub, err := Phone(v.Str, region)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", err, name)
		}
		out, err = sjson.SetRawBytes(out, name, []byte(fmt.Sprintf(`{"cc":%q,"subscriber":%q}`, cc, sub)))
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
