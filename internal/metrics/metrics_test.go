package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/xtrntr/tokenexchange/internal/fixedpoint"
	"github.com/xtrntr/tokenexchange/internal/models"
)

type fakeState struct {
	price, reserve *uint256.Int
	count          uint64
}

func (s *fakeState) TokenPrice() *uint256.Int     { return s.price }
func (s *fakeState) ReserveBalance() *uint256.Int { return s.reserve }
func (s *fakeState) TransactionCount() uint64     { return s.count }

func scrape(t *testing.T, r *Recorder) string {
	t.Helper()
	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, w.Code)
	return w.Body.String()
}

func TestRecorder(t *testing.T) {
	state := &fakeState{
		price:   fixedpoint.MustParseUnits("0.001"),
		reserve: fixedpoint.MustParseUnits("0.5"),
		count:   2,
	}
	r := NewRecorder(state)

	r.Observe(models.Event{
		Kind:          models.Purchased,
		Account:       common.HexToAddress("0x01"),
		AssetAmount:   fixedpoint.MustParseUnits("1000"),
		CounterAmount: fixedpoint.MustParseUnits("1"),
		Sequence:      0,
	})
	r.Observe(models.Event{
		Kind:          models.Sold,
		Account:       common.HexToAddress("0x01"),
		AssetAmount:   fixedpoint.MustParseUnits("500"),
		CounterAmount: fixedpoint.MustParseUnits("0.5"),
		Sequence:      1,
	})
	r.Rejected("InsufficientBalance")

	assert.Equal(t, 1.0, testutil.ToFloat64(r.transitions.WithLabelValues("purchased")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.transitions.WithLabelValues("sold")))
	assert.Equal(t, 1000.0, testutil.ToFloat64(r.assetVolume.WithLabelValues("purchased")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.rejections.WithLabelValues("InsufficientBalance")))

	body := scrape(t, r)
	assert.Contains(t, body, "exchange_transitions_total")
	assert.Contains(t, body, "exchange_transaction_log_length 2")
	assert.Contains(t, body, "exchange_reserve_balance 0.5")
	assert.Contains(t, body, "exchange_token_price 0.001")
}

func TestRecorder_StateReadAtScrape(t *testing.T) {
	// a restored exchange reports its log length before any new trade
	state := &fakeState{price: fixedpoint.MustParseUnits("0.001"), reserve: new(uint256.Int), count: 42}
	r := NewRecorder(state)
	assert.Contains(t, scrape(t, r), "exchange_transaction_log_length 42")

	state.count = 43
	state.reserve = fixedpoint.MustParseUnits("2")
	body := scrape(t, r)
	assert.Contains(t, body, "exchange_transaction_log_length 43")
	assert.Contains(t, body, "exchange_reserve_balance 2")
}

func TestRecorder_TrackDropped(t *testing.T) {
	r := NewRecorder(&fakeState{price: new(uint256.Int), reserve: new(uint256.Int)})
	var dropped uint64 = 3
	r.TrackDropped("kafka", func() uint64 { return dropped })

	assert.Contains(t, scrape(t, r), `exchange_events_dropped_total{subscriber="kafka"} 3`)
}
