// Package manager implements the Connection Manager: the reconciler that
// keeps live downstream broker clients in sync with the Broker Config
// Store, and the fanout path that dispatches inbound messages between the
// Main Broker Client and the downstream clients with loop suppression.
package manager

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/erikarenhill/mqtt-multi-proxy/internal/brokerclient"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/fingerprint"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/messagebus"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/metrics"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/payload"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/store"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/tlsconfig"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/topicmatch"
)

// defaultQoSCap is the per-broker QoS ceiling applied when forwarding,
// absent a future per-broker override (spec.md §4.3/§9).
const defaultQoSCap = byte(1)

// brokerConn is the subset of *brokerclient.Client the Connection Manager
// depends on. Tests substitute a fake implementation to exercise fanout and
// reconcile without a real MQTT connection.
type brokerConn interface {
	Run()
	Inbound() <-chan brokerclient.Inbound
	Publish(topic string, buf *payload.Buffer, qos byte, retain bool) (bool, brokerclient.DropReason)
	UpdateSubscriptions(filters []string)
	Connected() bool
	Shutdown()
}

// liveConnection is the Connection Manager's runtime state for one
// downstream broker (spec.md §3 LiveConnection).
type liveConnection struct {
	id         string
	record     store.BrokerRecord
	client     brokerConn
	generation uint64

	// fanoutStarted tracks whether runDownstreamFanout has been started for
	// this connection, so a bidirectional flip on a filter-only update
	// (reconcile-without-reconnect) starts it exactly once.
	fanoutStarted bool
}

// changeSource abstracts the Broker Config Store's change stream so tests
// can drive the reconciler without a real store.
type changeSource interface {
	List() []store.BrokerRecord
	Subscribe() (<-chan store.ChangeEvent, func())
	DecryptPassword(ciphertext string) string
}

// Manager owns the live downstream connection set, the Main Broker Client,
// and the fanout/loop-suppression path.
type Manager struct {
	store   changeSource
	main    brokerConn
	bus     *messagebus.Bus
	metrics *metrics.Registry

	// fingerprints is shared by both fanout directions (spec.md §3
	// RecentPayloadFingerprints is a single set; §5 "if both directions
	// share it, access goes through a small lock" — fingerprint.Set already
	// serializes access internally).
	fingerprints *fingerprint.Set

	mu          sync.RWMutex
	connections map[string]*liveConnection
	generation  uint64

	// newClient constructs the broker connection for a record. Production
	// code wires this to brokerclient.New; tests substitute a fake.
	newClient func(rec store.BrokerRecord) brokerConn

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Manager. Call Run to seed from the store and start the
// reconciler and fanout loops.
func New(st changeSource, main brokerConn, bus *messagebus.Bus, reg *metrics.Registry) *Manager {
	m := &Manager{
		store:        st,
		main:         main,
		bus:          bus,
		metrics:      reg,
		fingerprints: fingerprint.New(fingerprint.DefaultCapacity, fingerprint.DefaultTTL),
		connections:  make(map[string]*liveConnection),
		done:         make(chan struct{}),
	}
	m.newClient = func(rec store.BrokerRecord) brokerConn {
		return brokerclient.New(brokerclient.Options{
			Address:        rec.Address,
			Port:           rec.Port,
			ClientIDPrefix: rec.ClientIDPrefix,
			Username:       rec.Username,
			Password:       m.store.DecryptPassword(rec.Password),
			TLS: tlsconfig.Options{
				Enabled:            rec.UseTLS,
				InsecureSkipVerify: rec.InsecureSkipVerify,
			},
			Subscriptions: effectiveSubscription(rec),
			SubscribeQoS:  defaultQoSCap,
			Label:         rec.ID,
		})
	}
	return m
}

// Run seeds the live set from the store, then processes change events and
// inbound fanout until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	defer close(m.done)

	for _, rec := range m.store.List() {
		if rec.Enabled {
			m.spawn(rec)
		}
	}

	changes, unsubscribe := m.store.Subscribe()
	defer unsubscribe()

	go m.runMainFanout(ctx)

	for {
		select {
		case <-ctx.Done():
			m.shutdownAll()
			return
		case evt := <-changes:
			m.reconcile(evt)
		}
	}
}

// Shutdown cancels the manager's context and waits for Run to finish
// tearing down every live connection.
func (m *Manager) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	<-m.done
}

// reconcile applies one ChangeEvent to the live connection set, per
// spec.md §4.4.
func (m *Manager) reconcile(evt store.ChangeEvent) {
	switch evt.Kind {
	case store.Created:
		if evt.Record.Enabled {
			m.spawn(evt.Record)
		}
	case store.Updated:
		m.reconcileUpdate(evt.Record)
	case store.Deleted:
		m.teardown(evt.ID)
	}
}

func (m *Manager) reconcileUpdate(next store.BrokerRecord) {
	m.mu.RLock()
	lc, exists := m.connections[next.ID]
	m.mu.RUnlock()

	if !exists {
		if next.Enabled {
			m.spawn(next)
		}
		return
	}

	prev := lc.record

	if !prev.Enabled && next.Enabled {
		m.teardown(next.ID)
		m.spawn(next)
		return
	}
	if prev.Enabled && !next.Enabled {
		m.teardown(next.ID)
		return
	}
	if !next.Enabled {
		return
	}

	if connectionAffectingChanged(prev, next) {
		m.teardown(next.ID)
		m.spawn(next)
		return
	}

	if filtersChanged(prev, next) {
		m.resubscribe(lc, next)
	}
}

func connectionAffectingChanged(prev, next store.BrokerRecord) bool {
	return prev.Address != next.Address ||
		prev.Port != next.Port ||
		prev.Username != next.Username ||
		prev.Password != next.Password ||
		prev.UseTLS != next.UseTLS ||
		prev.InsecureSkipVerify != next.InsecureSkipVerify ||
		prev.ClientIDPrefix != next.ClientIDPrefix
}

func filtersChanged(prev, next store.BrokerRecord) bool {
	return !stringSlicesEqual(prev.Topics, next.Topics) ||
		!stringSlicesEqual(prev.SubscriptionTopics, next.SubscriptionTopics) ||
		prev.Bidirectional != next.Bidirectional
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as, bs := append([]string(nil), a...), append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// effectiveSubscription mirrors spec.md §3's subscriptionTopics default:
// when empty and bidirectional, defaults to topics; when empty and
// non-bidirectional, the client subscribes to "#" for observation.
func effectiveSubscription(rec store.BrokerRecord) []string {
	if len(rec.SubscriptionTopics) > 0 {
		return rec.SubscriptionTopics
	}
	if rec.Bidirectional && len(rec.Topics) > 0 {
		return rec.Topics
	}
	return nil // brokerclient.Client defaults an empty subscription set to "#"
}

func (m *Manager) spawn(rec store.BrokerRecord) {
	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	client := m.newClient(rec)

	lc := &liveConnection{id: rec.ID, record: rec, client: client, generation: gen, fanoutStarted: rec.Bidirectional}

	m.mu.Lock()
	m.connections[rec.ID] = lc
	m.mu.Unlock()

	go client.Run()
	if rec.Bidirectional {
		go m.runDownstreamFanout(lc)
	}

	slog.Info("downstream broker connection spawned", "id", rec.ID, "name", rec.Name)
}

func (m *Manager) teardown(id string) {
	m.mu.Lock()
	lc, ok := m.connections[id]
	if ok {
		delete(m.connections, id)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	lc.client.Shutdown()
	m.metrics.RemoveBroker(id)
	slog.Info("downstream broker connection torn down", "id", id)
}

// resubscribe applies a filter-only change (spec.md §4.4 "re-issue
// subscriptions... without reconnecting", S4): it updates the live client's
// subscription set in place via UpdateSubscriptions, and — if the update
// flipped Bidirectional from false to true — starts the upstream-forwarding
// goroutine that spawn() would otherwise have started, since no reconnect
// happens on this path to do it for us.
func (m *Manager) resubscribe(lc *liveConnection, next store.BrokerRecord) {
	m.mu.Lock()
	lc.record = next
	startFanout := next.Bidirectional && !lc.fanoutStarted
	if startFanout {
		lc.fanoutStarted = true
	}
	m.mu.Unlock()

	lc.client.UpdateSubscriptions(effectiveSubscription(next))

	if startFanout {
		go m.runDownstreamFanout(lc)
	}

	slog.Info("downstream broker filters updated without reconnect", "id", next.ID)
}

func (m *Manager) shutdownAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.connections))
	for id := range m.connections {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	g := new(errgroup.Group)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			m.teardown(id)
			return nil
		})
	}
	_ = g.Wait()

	if m.main != nil {
		m.main.Shutdown()
	}
}

// runMainFanout consumes the Main Broker Client's inbound messages and
// dispatches them to eligible downstream connections (spec.md §4.4 "Fanout
// from Main → Downstream").
func (m *Manager) runMainFanout(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.main.Inbound():
			m.fanoutFromMain(msg)
		}
	}
}

func (m *Manager) fanoutFromMain(msg brokerclient.Inbound) {
	start := time.Now()

	fp := fingerprint.Fingerprint(msg.Topic, msg.Payload.Bytes())
	if m.fingerprints.CheckAndInsert(fp) {
		return // suppressed: this looped back from our own upstream emission
	}

	m.mu.RLock()
	connections := make([]*liveConnection, 0, len(m.connections))
	for _, lc := range m.connections {
		connections = append(connections, lc)
	}
	m.mu.RUnlock()

	var forwarded uint64
	for _, lc := range connections {
		if !lc.record.Enabled || !lc.client.Connected() {
			continue
		}
		if !topicmatch.AnyMatch(lc.record.Topics, msg.Topic) {
			continue
		}

		qos := msg.QoS
		if qos > defaultQoSCap {
			qos = defaultQoSCap
		}

		counters := m.metrics.Broker(lc.id)
		if ok, _ := lc.client.Publish(msg.Topic, msg.Payload.Acquire(), qos, false); ok {
			forwarded++
			counters.MessagesPublished.Add(1)
		} else {
			counters.PublishDropped.Add(1)
		}
	}

	m.bus.Publish(messagebus.Entry{
		Timestamp: time.Now(),
		ClientID:  "main",
		Topic:     msg.Topic,
		Payload:   msg.Payload.Bytes(),
		QoS:       msg.QoS,
		Retain:    msg.Retain,
	})

	m.metrics.RecordReceived()
	m.metrics.RecordForwarded(forwarded)
	m.metrics.ObserveLatency(float64(time.Since(start).Microseconds()) / 1000.0)
}

// runDownstreamFanout consumes inbound messages from a bidirectional
// downstream client and, if it is the designated forwarder, re-publishes
// them to the Main Broker Client (spec.md §4.4 "Fanout from Downstream →
// Main"). It exits once lc.client's Inbound channel closes, which happens
// when the client's Run loop returns after Shutdown — so a torn-down
// connection's fanout goroutine always terminates instead of leaking.
func (m *Manager) runDownstreamFanout(lc *liveConnection) {
	for msg := range lc.client.Inbound() {
		m.mu.RLock()
		cur, ok := m.connections[lc.id]
		stale := !ok || cur.generation != lc.generation
		m.mu.RUnlock()
		if stale {
			// This connection was torn down and respawned under the same id
			// while this goroutine still had buffered messages; the new
			// generation's own fanout goroutine owns forwarding now.
			continue
		}

		if !m.isDesignatedForwarder(lc.id) {
			// Still observed on the Message Bus even though it does not
			// forward upstream (spec.md §3 invariant on extra bidirectional
			// records).
			m.bus.Publish(messagebus.Entry{
				Timestamp: time.Now(), ClientID: lc.id, Topic: msg.Topic,
				Payload: msg.Payload.Bytes(), QoS: msg.QoS, Retain: msg.Retain,
			})
			continue
		}

		fp := fingerprint.Fingerprint(msg.Topic, msg.Payload.Bytes())
		if m.fingerprints.CheckAndInsert(fp) {
			continue // suppressed: matches a fingerprint already seen on either fanout direction
		}

		if m.main != nil {
			m.main.Publish(msg.Topic, msg.Payload.Acquire(), msg.QoS, false)
		}

		m.bus.Publish(messagebus.Entry{
			Timestamp: time.Now(), ClientID: lc.id, Topic: msg.Topic,
			Payload: msg.Payload.Bytes(), QoS: msg.QoS, Retain: msg.Retain,
		})
	}
}

// isDesignatedForwarder reports whether id is the lowest-id bidirectional
// record currently live — only it is allowed to forward upstream (spec.md
// §4.4 "at-most-one upstream bidirectional broker").
func (m *Manager) isDesignatedForwarder(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var lowest string
	for bid, lc := range m.connections {
		if !lc.record.Bidirectional {
			continue
		}
		if lowest == "" || bid < lowest {
			lowest = bid
		}
	}
	if lowest != id && lowest != "" {
		slog.Warn("bidirectional broker is not the designated forwarder, observation only", "id", id, "designated", lowest)
	}
	return lowest == id
}

// Snapshot returns a point-in-time view of every live connection for the
// admin status surface.
type Snapshot struct {
	ID        string
	Name      string
	Address   string
	Port      int
	Connected bool
	Enabled   bool
}

// Snapshot lists the current live connections.
func (m *Manager) Snapshot() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Snapshot, 0, len(m.connections))
	for _, lc := range m.connections {
		out = append(out, Snapshot{
			ID: lc.id, Name: lc.record.Name, Address: lc.record.Address,
			Port: lc.record.Port, Connected: lc.client.Connected(), Enabled: lc.record.Enabled,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
