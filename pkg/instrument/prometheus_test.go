package instrument

import (
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	assert := assert.New(t)

	before := testutil.ToFloat64(incomingConns)
	IncomingConn()
	assert.Equal(before+1, testutil.ToFloat64(incomingConns))

	ok := testutil.ToFloat64(logins.WithLabelValues("success"))
	failed := testutil.ToFloat64(logins.WithLabelValues("failed"))
	Login(true)
	Login(false)
	Login(false)
	assert.Equal(ok+1, testutil.ToFloat64(logins.WithLabelValues("success")))
	assert.Equal(failed+2, testutil.ToFloat64(logins.WithLabelValues("failed")))

	good := testutil.ToFloat64(deliveries)
	bad := testutil.ToFloat64(deliveryFailures)
	Delivery(nil)
	Delivery(errors.New("broken pipe"))
	assert.Equal(good+1, testutil.ToFloat64(deliveries))
	assert.Equal(bad+1, testutil.ToFloat64(deliveryFailures))

	SetAuthenticatedSessions(3)
	assert.Equal(float64(3), testutil.ToFloat64(authenticatedSessions))
}

func TestPrometheusListener(t *testing.T) {
	l, err := StartPrometheusListener("127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	// Init is idempotent.
	Init()
	Message()
	Registration("registered")

	resp, err := http.Get("http://" + l.Addr().String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "rsachat_messages_total")
	assert.Contains(t, string(body), `rsachat_registrations_total{outcome="registered"}`)
}
