package metrics

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"time"
)

type Snapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Payments    PaymentMetrics `json:"payments"`
	Routing     RoutingMetrics `json:"routing"`
	Fisher      FisherMetrics  `json:"fisher"`
	Sync        SyncMetrics    `json:"sync"`
}

type PaymentMetrics struct {
	Created   uint64 `json:"created"`
	Received  uint64 `json:"received"`
	Duplicate uint64 `json:"duplicate"`
	Invalid   uint64 `json:"invalid"`
}

type RoutingMetrics struct {
	Forwarded      uint64 `json:"forwarded"`
	Broadcast      uint64 `json:"broadcast"`
	DropLoop       uint64 `json:"drop_loop"`
	DropMaxHops    uint64 `json:"drop_max_hops"`
	DropExpired    uint64 `json:"drop_expired"`
	DropQueueFull  uint64 `json:"drop_queue_full"`
	RouteRequests  uint64 `json:"route_requests"`
	RouteResponses uint64 `json:"route_responses"`
}

type FisherMetrics struct {
	Captured       uint64 `json:"captured"`
	Executed       uint64 `json:"executed"`
	AlreadySettled uint64 `json:"already_settled"`
	Invalid        uint64 `json:"invalid"`
	Rewards        uint64 `json:"rewards"`
}

type SyncMetrics struct {
	Synced  uint64 `json:"synced"`
	Failed  uint64 `json:"failed"`
	Skipped uint64 `json:"skipped"`
}

type Metrics struct {
	paymentsCreated   atomic.Uint64
	paymentsReceived  atomic.Uint64
	paymentsDuplicate atomic.Uint64
	paymentsInvalid   atomic.Uint64

	routeForwarded     atomic.Uint64
	routeBroadcast     atomic.Uint64
	routeDropLoop      atomic.Uint64
	routeDropMaxHops   atomic.Uint64
	routeDropExpired   atomic.Uint64
	routeDropQueueFull atomic.Uint64
	routeRequests      atomic.Uint64
	routeResponses     atomic.Uint64

	fisherCaptured       atomic.Uint64
	fisherExecuted       atomic.Uint64
	fisherAlreadySettled atomic.Uint64
	fisherInvalid        atomic.Uint64
	fisherRewards        atomic.Uint64

	syncSynced  atomic.Uint64
	syncFailed  atomic.Uint64
	syncSkipped atomic.Uint64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncPaymentCreated()   { m.paymentsCreated.Add(1) }
func (m *Metrics) IncPaymentReceived()  { m.paymentsReceived.Add(1) }
func (m *Metrics) IncPaymentDuplicate() { m.paymentsDuplicate.Add(1) }
func (m *Metrics) IncPaymentInvalid()   { m.paymentsInvalid.Add(1) }

func (m *Metrics) IncRouteForwarded()     { m.routeForwarded.Add(1) }
func (m *Metrics) IncRouteBroadcast()     { m.routeBroadcast.Add(1) }
func (m *Metrics) IncRouteDropLoop()      { m.routeDropLoop.Add(1) }
func (m *Metrics) IncRouteDropMaxHops()   { m.routeDropMaxHops.Add(1) }
func (m *Metrics) IncRouteDropExpired()   { m.routeDropExpired.Add(1) }
func (m *Metrics) IncRouteDropQueueFull() { m.routeDropQueueFull.Add(1) }
func (m *Metrics) IncRouteRequest()       { m.routeRequests.Add(1) }
func (m *Metrics) IncRouteResponse()      { m.routeResponses.Add(1) }

func (m *Metrics) IncFisherCaptured()       { m.fisherCaptured.Add(1) }
func (m *Metrics) IncFisherExecuted()       { m.fisherExecuted.Add(1) }
func (m *Metrics) IncFisherAlreadySettled() { m.fisherAlreadySettled.Add(1) }
func (m *Metrics) IncFisherInvalid()        { m.fisherInvalid.Add(1) }
func (m *Metrics) AddFisherReward(n uint64) { m.fisherRewards.Add(n) }

func (m *Metrics) IncSyncSynced()  { m.syncSynced.Add(1) }
func (m *Metrics) IncSyncFailed()  { m.syncFailed.Add(1) }
func (m *Metrics) IncSyncSkipped() { m.syncSkipped.Add(1) }

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Payments: PaymentMetrics{
			Created:   m.paymentsCreated.Load(),
			Received:  m.paymentsReceived.Load(),
			Duplicate: m.paymentsDuplicate.Load(),
			Invalid:   m.paymentsInvalid.Load(),
		},
		Routing: RoutingMetrics{
			Forwarded:      m.routeForwarded.Load(),
			Broadcast:      m.routeBroadcast.Load(),
			DropLoop:       m.routeDropLoop.Load(),
			DropMaxHops:    m.routeDropMaxHops.Load(),
			DropExpired:    m.routeDropExpired.Load(),
			DropQueueFull:  m.routeDropQueueFull.Load(),
			RouteRequests:  m.routeRequests.Load(),
			RouteResponses: m.routeResponses.Load(),
		},
		Fisher: FisherMetrics{
			Captured:       m.fisherCaptured.Load(),
			Executed:       m.fisherExecuted.Load(),
			AlreadySettled: m.fisherAlreadySettled.Load(),
			Invalid:        m.fisherInvalid.Load(),
			Rewards:        m.fisherRewards.Load(),
		},
		Sync: SyncMetrics{
			Synced:  m.syncSynced.Load(),
			Failed:  m.syncFailed.Load(),
			Skipped: m.syncSkipped.Load(),
		},
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
