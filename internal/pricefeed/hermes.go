package pricefeed

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HermesClient pulls latest price updates from a Hermes endpoint:
// GET /v2/updates/price/latest?ids[]=<feed>&parsed=true. The actual price is
// raw_price * 10^expo, normalized here to the 1e6 engine scale.
type HermesClient struct {
	endpoint string
	http     *http.Client
}

type hermesEnvelope struct {
	Parsed []hermesPriceUpdate `json:"parsed"`
}

type hermesPriceUpdate struct {
	ID    string              `json:"id"`
	Price hermesPriceSnapshot `json:"price"`
}

type hermesPriceSnapshot struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

func NewHermesClient(endpoint string, timeout time.Duration) *HermesClient {
	return &HermesClient{
		endpoint: strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *HermesClient) Latest(ctx context.Context, feedIDs [][32]byte) ([]PricePoint, error) {
	if len(feedIDs) == 0 {
		return nil, nil
	}

	requestURL, err := c.buildLatestURL(feedIDs)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build hermes request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch hermes prices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fetch hermes prices: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var envelope hermesEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode hermes response: %w", err)
	}

	points := make([]PricePoint, 0, len(envelope.Parsed))
	for _, update := range envelope.Parsed {
		point, err := decodeHermesUpdate(update)
		if err != nil {
			continue
		}
		points = append(points, point)
	}
	return points, nil
}

func (c *HermesClient) buildLatestURL(feedIDs [][32]byte) (string, error) {
	parsedURL, err := url.Parse(c.endpoint + "/v2/updates/price/latest")
	if err != nil {
		return "", fmt.Errorf("parse hermes endpoint: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return "", fmt.Errorf("invalid hermes endpoint: %q", c.endpoint)
	}

	query := parsedURL.Query()
	for _, id := range feedIDs {
		query.Add("ids[]", hex.EncodeToString(id[:]))
	}
	query.Set("parsed", "true")
	parsedURL.RawQuery = query.Encode()
	return parsedURL.String(), nil
}

func decodeHermesUpdate(update hermesPriceUpdate) (PricePoint, error) {
	feedID, err := ParseFeedID(update.ID)
	if err != nil {
		return PricePoint{}, err
	}

	price, err := scaleToEngine(update.Price.Price, update.Price.Expo)
	if err != nil {
		return PricePoint{}, err
	}
	if price <= 0 {
		return PricePoint{}, fmt.Errorf("non-positive price for feed %s", update.ID)
	}

	conf, err := scaleToEngine(update.Price.Conf, update.Price.Expo)
	if err != nil || conf < 0 {
		conf = 0
	}

	return PricePoint{
		FeedID:      feedID,
		Price:       price,
		Conf:        uint64(conf),
		PublishTime: update.Price.PublishTime,
	}, nil
}

// ParseFeedID decodes a 32-byte hex feed id, tolerating an 0x prefix.
func ParseFeedID(raw string) ([32]byte, error) {
	var out [32]byte
	cleaned := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "0x")
	decoded, err := hex.DecodeString(cleaned)
	if err != nil {
		return out, fmt.Errorf("parse feed id %q: %w", raw, err)
	}
	if len(decoded) != 32 {
		return out, fmt.Errorf("parse feed id %q: got %d bytes, want 32", raw, len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

// scaleToEngine converts raw*10^expo into 1e6 fixed point without losing
// precision on large exponents.
func scaleToEngine(raw string, expo int32) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, fmt.Errorf("empty price value")
	}
	value, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", raw, err)
	}

	if expo > 18 || expo < -18 {
		return 0, fmt.Errorf("unsupported exponent %d", expo)
	}

	base := big.NewInt(value)
	scale := big.NewInt(PriceScale)
	tenPow := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(absInt32(expo))), nil)

	var out *big.Int
	if expo >= 0 {
		out = new(big.Int).Mul(base, tenPow)
		out.Mul(out, scale)
	} else {
		out = new(big.Int).Mul(base, scale)
		out.Quo(out, tenPow)
	}

	if !out.IsInt64() {
		return 0, fmt.Errorf("scaled price overflows int64")
	}
	return out.Int64(), nil
}

func absInt32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
