package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/chainsniper/internal/cache"
)

// ExternalReport is the normalized result of a third-party token check
type ExternalReport struct {
	Known    bool            `json:"known"`
	Honeypot bool            `json:"honeypot"`
	BuyTax   decimal.Decimal `json:"buy_tax"`
	SellTax  decimal.Decimal `json:"sell_tax"`
}

// GoPlus queries the GoPlus token_security endpoint
type GoPlus struct {
	BaseURL string
	APIKey  string
	ChainID uint64
	HTTP    *http.Client
	Cache   cache.Store
	TTL     time.Duration
}

type goplusResponse struct {
	Code    int                            `json:"code"`
	Message string                         `json:"message"`
	Result  map[string]goplusTokenSecurity `json:"result"`
}

type goplusTokenSecurity struct {
	IsHoneypot    string `json:"is_honeypot"`
	CannotSellAll string `json:"cannot_sell_all"`
	BuyTax        string `json:"buy_tax"`
	SellTax       string `json:"sell_tax"`
}

func (g *GoPlus) Check(ctx context.Context, token common.Address) (*ExternalReport, error) {
	key := fmt.Sprintf("goplus:%d:%s", g.ChainID, strings.ToLower(token.Hex()))
	if g.Cache != nil {
		var rep ExternalReport
		if found, err := cache.GetJSON(ctx, g.Cache, key, &rep); err == nil && found {
			return &rep, nil
		}
	}

	u, err := g.buildURL(token)
	if err != nil {
		return nil, err
	}
	client := g.HTTP
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("goplus http %d", resp.StatusCode)
	}

	var parsed goplusResponse
	if err := json.Unmarshal(b, &parsed); err != nil {
		return nil, fmt.Errorf("goplus decode: %w", err)
	}
	if parsed.Code != 1 {
		return nil, fmt.Errorf("goplus code %d: %s", parsed.Code, parsed.Message)
	}

	rep := &ExternalReport{BuyTax: decimal.Zero, SellTax: decimal.Zero}
	if sec, ok := parsed.Result[strings.ToLower(token.Hex())]; ok {
		rep.Known = true
		rep.Honeypot = sec.IsHoneypot == "1" || sec.CannotSellAll == "1"
		rep.BuyTax = parseTax(sec.BuyTax)
		rep.SellTax = parseTax(sec.SellTax)
	}

	if g.Cache != nil {
		ttl := g.TTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		_ = cache.SetJSON(ctx, g.Cache, key, rep, ttl)
	}
	return rep, nil
}

func (g *GoPlus) buildURL(token common.Address) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(g.BaseURL), "/")
	if base == "" {
		base = "https://api.gopluslabs.io"
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimRight(u.Path, "/") + fmt.Sprintf("/api/v1/token_security/%d", g.ChainID)
	q := u.Query()
	q.Set("contract_addresses", strings.ToLower(token.Hex()))
	if k := strings.TrimSpace(g.APIKey); k != "" {
		q.Set("api_key", k)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func parseTax(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil || d.IsNegative() {
		return decimal.Zero
	}
	return d
}
