// Package metrics exposes Prometheus collectors for the exchange
package metrics

import (
	"net/http"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/tokenexchange/internal/fixedpoint"
	"github.com/xtrntr/tokenexchange/internal/models"
)

// State is the part of the exchange read at scrape time
type State interface {
	TokenPrice() *uint256.Int
	ReserveBalance() *uint256.Int
	TransactionCount() uint64
}

// Recorder owns a registry so several recorders can coexist in tests
type Recorder struct {
	registry    *prometheus.Registry
	factory     promauto.Factory
	transitions *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	assetVolume *prometheus.CounterVec
}

// NewRecorder registers the exchange collectors on a fresh registry. Price,
// reserve and log length are read from state on every scrape.
func NewRecorder(state State) *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "exchange",
		Name:      "reserve_balance",
		Help:      "Reserve currency held by the exchange, in whole units",
	}, func() float64 { return toFloat(state.ReserveBalance()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "exchange",
		Name:      "token_price",
		Help:      "Current token price, in whole reserve units",
	}, func() float64 { return toFloat(state.TokenPrice()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "exchange",
		Name:      "transaction_log_length",
		Help:      "Records in the transaction log",
	}, func() float64 { return float64(state.TransactionCount()) })

	return &Recorder{
		registry: reg,
		factory:  factory,
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "exchange",
				Name:      "transitions_total",
				Help:      "Committed buy and sell transitions",
			},
			[]string{"kind"},
		),
		rejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "exchange",
				Name:      "rejections_total",
				Help:      "Rejected requests by error code",
			},
			[]string{"code"},
		),
		assetVolume: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "exchange",
				Name:      "asset_volume_tokens_total",
				Help:      "Tokens moved by committed transitions",
			},
			[]string{"kind"},
		),
	}
}

// Observe counts a committed event. It matches exchange.Listener.
func (r *Recorder) Observe(ev models.Event) {
	r.transitions.WithLabelValues(string(ev.Kind)).Inc()
	r.assetVolume.WithLabelValues(string(ev.Kind)).Add(toFloat(ev.AssetAmount))
}

// Rejected counts a failed request
func (r *Recorder) Rejected(code string) {
	r.rejections.WithLabelValues(code).Inc()
}

// TrackDropped exposes a count of events a subscriber missed
func (r *Recorder) TrackDropped(subscriber string, dropped func() uint64) {
	r.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   "exchange",
		Name:        "events_dropped_total",
		Help:        "Events not delivered to a full subscriber",
		ConstLabels: prometheus.Labels{"subscriber": subscriber},
	}, func() float64 { return float64(dropped()) })
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func toFloat(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	return decimal.NewFromBigInt(v.ToBig(), -fixedpoint.Decimals).InexactFloat64()
}
