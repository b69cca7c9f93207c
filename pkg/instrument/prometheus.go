// Package instrument exports the rsachat server metrics to prometheus.
package instrument

import (
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	incomingConns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rsachat_incoming_connections_total",
			Help: "Number of accepted connections",
		},
	)
	handshakeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rsachat_handshake_failures_total",
			Help: "Number of connections dropped during the key exchange",
		},
	)
	logins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rsachat_logins_total",
			Help: "Number of login attempts by result",
		},
		[]string{"result"},
	)
	registrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rsachat_registrations_total",
			Help: "Number of registration attempts by outcome",
		},
		[]string{"outcome"},
	)
	messages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rsachat_messages_total",
			Help: "Number of chat messages received from authenticated sessions",
		},
	)
	deliveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rsachat_broadcast_deliveries_total",
			Help: "Number of per-recipient broadcast deliveries",
		},
	)
	deliveryFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rsachat_broadcast_delivery_failures_total",
			Help: "Number of per-recipient broadcast deliveries that failed",
		},
	)
	authenticatedSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rsachat_authenticated_sessions",
			Help: "Number of sessions currently in the registry",
		},
	)
)

var initOnce sync.Once

// Init registers every collector with the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			incomingConns,
			handshakeFailures,
			logins,
			registrations,
			messages,
			deliveries,
			deliveryFailures,
			authenticatedSessions,
		)
	})
}

// Listener serves /metrics until closed.
type Listener struct {
	srv *http.Server
	l   net.Listener
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.l.Addr()
}

// Close stops serving.
func (l *Listener) Close() error {
	return l.srv.Close()
}

// StartPrometheusListener binds address and serves /metrics on it.
func StartPrometheusListener(address string) (*Listener, error) {
	Init()

	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	ml := &Listener{
		srv: &http.Server{Handler: mux},
		l:   l,
	}
	go ml.srv.Serve(l)
	return ml, nil
}

// IncomingConn increments the accepted connection counter.
func IncomingConn() {
	incomingConns.Inc()
}

// HandshakeFailure increments the failed key exchange counter.
func HandshakeFailure() {
	handshakeFailures.Inc()
}

// Login records a login attempt.
func Login(success bool) {
	if success {
		logins.WithLabelValues("success").Inc()
		return
	}
	logins.WithLabelValues("failed").Inc()
}

// Registration records a registration attempt by outcome label.
func Registration(outcome string) {
	registrations.WithLabelValues(outcome).Inc()
}

// Message increments the received chat message counter.
func Message() {
	messages.Inc()
}

// Delivery records one broadcast delivery attempt.
func Delivery(err error) {
	if err != nil {
		deliveryFailures.Inc()
		return
	}
	deliveries.Inc()
}

// SetAuthenticatedSessions sets the registry size gauge.
func SetAuthenticatedSessions(n int) {
	authenticatedSessions.Set(float64(n))
}
