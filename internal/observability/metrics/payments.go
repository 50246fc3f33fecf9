package metrics

import (
	"strconv"
	"time"
)

// RPCRequest records one JSON-RPC attempt against an endpoint.
func RPCRequest(endpoint, op, result string, d time.Duration) {
	if !enabled {
		return
	}
	rpcRequestsTotal.WithLabelValues(endpoint, op, result).Inc()
	rpcDuration.WithLabelValues(endpoint, op).Observe(d.Seconds())
}

// ContractProbe records the outcome of an eth_getCode probe.
func ContractProbe(result string) {
	if !enabled {
		return
	}
	contractProbes.WithLabelValues(result).Inc()
}

// PaymentVerify records a terminal verification verdict.
func PaymentVerify(status string, verified bool, mode string, d time.Duration) {
	if !enabled {
		return
	}
	paymentVerifyTotal.WithLabelValues(status, strconv.FormatBool(verified)).Inc()
	paymentVerifyDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// PaymentSubmit records a broadcast attempt.
func PaymentSubmit(mode, status string) {
	if !enabled {
		return
	}
	paymentSubmitTotal.WithLabelValues(mode, status).Inc()
}

// PaymentEvent records a delivered PaymentReceived event.
func PaymentEvent() {
	if !enabled {
		return
	}
	paymentEventsTotal.Inc()
}

// CreditsApplied records a credit application attempt. usd is only added
// for successful applications.
func CreditsApplied(result string, usd float64) {
	if !enabled {
		return
	}
	creditsAppliedTotal.WithLabelValues(result).Inc()
	if result == "applied" {
		creditsAppliedUSD.Add(usd)
	}
}

// Query records a paid query outcome.
func Query(status string) {
	if !enabled {
		return
	}
	queryTotal.WithLabelValues(status).Inc()
}

// AIRequest records an AI completion call.
func AIRequest(status string) {
	if !enabled {
		return
	}
	aiRequestsTotal.WithLabelValues(status).Inc()
}
