package payment

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/storefront-checkout/internal/config"
	"github.com/joao-fontenele/storefront-checkout/internal/domain"
)

// SuccessCode is the gateway response code for an approved payment.
const SuccessCode = "00"

const (
	paramSecureHash     = "vnp_SecureHash"
	paramSecureHashType = "vnp_SecureHashType"

	gatewayDateLayout = "20060102150405"
	paymentTTL        = 15 * time.Minute
	paymentMethod     = "vnpay"
)

// The gateway works in Vietnam time, which has no daylight saving.
var gatewayZone = time.FixedZone("Asia/Ho_Chi_Minh", 7*60*60)

var hundred = decimal.NewFromInt(100)

// Notification is a gateway payment result, from either the browser redirect
// or the server callback. Params keeps every vnp_* field as received so the
// secure hash can be checked.
type Notification struct {
	ResponseCode  string
	OrderRef      string
	TransactionNo string
	Amount        string
	Params        url.Values
}

func NotificationFromValues(v url.Values) Notification {
	params := url.Values{}
	for key, values := range v {
		if strings.HasPrefix(key, "vnp_") {
			params[key] = values
		}
	}

	return Notification{
		ResponseCode:  strings.TrimSpace(v.Get("vnp_ResponseCode")),
		OrderRef:      strings.TrimSpace(v.Get("vnp_TxnRef")),
		TransactionNo: strings.TrimSpace(v.Get("vnp_TransactionNo")),
		Amount:        strings.TrimSpace(v.Get("vnp_Amount")),
		Params:        params,
	}
}

func (n Notification) Succeeded() bool {
	return n.ResponseCode == SuccessCode
}

// Signer produces and checks the gateway's HMAC-SHA512 secure hash.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns the hex digest over the canonical encoding of params.
func (s *Signer) Sign(params url.Values) string {
	mac := hmac.New(sha512.New, s.secret)
	mac.Write([]byte(canonicalQuery(params)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks vnp_SecureHash against the remaining parameters.
func (s *Signer) Verify(params url.Values) bool {
	got, err := hex.DecodeString(strings.ToLower(params.Get(paramSecureHash)))
	if err != nil || len(got) == 0 {
		return false
	}

	want, err := hex.DecodeString(s.Sign(params))
	if err != nil {
		return false
	}

	return hmac.Equal(got, want)
}

// canonicalQuery drops empty values and the hash fields, then encodes the
// rest sorted by key.
func canonicalQuery(params url.Values) string {
	filtered := url.Values{}
	for key, values := range params {
		if key == paramSecureHash || key == paramSecureHashType {
			continue
		}
		for _, v := range values {
			if v != "" {
				filtered.Add(key, v)
			}
		}
	}
	return filtered.Encode()
}

// ToMinorUnits converts an order total to the gateway amount: the local
// currency value multiplied by 100, truncated to an integer.
func ToMinorUnits(total, rate decimal.Decimal) int64 {
	return total.Mul(rate).Mul(hundred).IntPart()
}

// FromMinorUnits converts a gateway amount back to the store currency,
// rounded to cents. A missing or malformed amount converts to zero.
func FromMinorUnits(raw string, rate decimal.Decimal) decimal.Decimal {
	amount, err := decimal.NewFromString(raw)
	if err != nil || rate.IsZero() {
		return decimal.Zero
	}
	return amount.Div(hundred).Div(rate).Round(2)
}

// URLBuilder creates signed checkout URLs for pending orders.
type URLBuilder struct {
	cfg    config.PaymentConfig
	signer *Signer
	now    func() time.Time
}

func NewURLBuilder(cfg config.PaymentConfig) *URLBuilder {
	return &URLBuilder{
		cfg:    cfg,
		signer: NewSigner(cfg.HashSecret),
		now:    time.Now,
	}
}

func (b *URLBuilder) Build(order *domain.Order) string {
	created := b.now().In(gatewayZone)

	params := url.Values{}
	params.Set("vnp_Version", "2.1.0")
	params.Set("vnp_Command", "pay")
	params.Set("vnp_TmnCode", b.cfg.TMNCode)
	params.Set("vnp_Locale", "vn")
	params.Set("vnp_CurrCode", "VND")
	params.Set("vnp_TxnRef", order.ID)
	params.Set("vnp_OrderInfo", "Payment for "+order.ID)
	params.Set("vnp_OrderType", "other")
	params.Set("vnp_Amount", fmt.Sprintf("%d", ToMinorUnits(order.TotalAmount, b.cfg.ExchangeRate)))
	params.Set("vnp_ReturnUrl", b.cfg.FrontendURL+"/payment-callback")
	params.Set("vnp_IpAddr", b.cfg.ClientIP)
	params.Set("vnp_CreateDate", created.Format(gatewayDateLayout))
	params.Set("vnp_ExpireDate", created.Add(paymentTTL).Format(gatewayDateLayout))

	query := canonicalQuery(params)
	return b.cfg.PayURL + "?" + query + "&" + paramSecureHash + "=" + b.signer.Sign(params)
}
