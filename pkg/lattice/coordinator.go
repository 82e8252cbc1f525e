// Package lattice connects hosts over a message bus. It forwards
// invocations to whichever host runs the target, propagates bindings,
// answers inventory probes and runs scheduling auctions.
package lattice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wasmCloud/wascc-host/pkg/contracts"
	"github.com/wasmCloud/wascc-host/pkg/crypto"
	"github.com/wasmCloud/wascc-host/pkg/events"
	"github.com/wasmCloud/wascc-host/pkg/router"
)

// Defaults.
const (
	DefaultRPCTimeout        = 500 * time.Millisecond
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultBindingAttempts   = 3
	DefaultRetryBackoff      = 100 * time.Millisecond

	// Hosts silent for this many heartbeat intervals are forgotten.
	heartbeatMisses = 3
)

var (
	// ErrNoAcks is returned when no host acknowledged a binding command.
	ErrNoAcks = errors.New("no host acknowledged the binding")
	// ErrNotStarted is returned by operations that need a running coordinator.
	ErrNotStarted = errors.New("lattice coordinator not started")
)

// Host is the local host as seen by the coordinator.
type Host interface {
	Invoke(ctx context.Context, inv *contracts.Invocation) (*contracts.InvocationResponse, error)
	Inventory() HostInventory
	ApplyBinding(ctx context.Context, b contracts.Binding) error
	RevokeBinding(ctx context.Context, actor, capID string) error
	Launch(ctx context.Context, cmd LaunchCommand) error
}

// Config configures a Coordinator.
type Config struct {
	Transport         Transport
	Keyring           *crypto.IdentityKeyring
	Peers             *crypto.PeerKeyRing
	Namespace         string
	RPCTimeout        time.Duration
	HeartbeatInterval time.Duration
	BindingAttempts   int
	RetryBackoff      time.Duration
	// Events receives locally observed events such as InvocationForged.
	Events events.Sink
	Logger *slog.Logger
}

// Coordinator is one host's membership in a lattice.
type Coordinator struct {
	cfg      Config
	subjects Subjects
	view     *BindingView
	logger   *slog.Logger
	forged   atomic.Int64

	mu      sync.Mutex
	host    Host
	subs    map[string]Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// New validates cfg and fills in defaults.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Transport == nil {
		return nil, errors.New("lattice: transport is required")
	}
	if cfg.Keyring == nil {
		return nil, errors.New("lattice: keyring is required")
	}
	if cfg.Peers == nil {
		cfg.Peers = crypto.NewPeerKeyRing()
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = DefaultRPCTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.BindingAttempts <= 0 {
		cfg.BindingAttempts = DefaultBindingAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "lattice")
	}
	return &Coordinator{
		cfg:      cfg,
		subjects: NewSubjects(cfg.Namespace),
		view:     NewBindingView(),
		logger:   cfg.Logger,
		subs:     make(map[string]Subscription),
	}, nil
}

// HostID is this host's public key.
func (c *Coordinator) HostID() string { return c.cfg.Keyring.PublicKey() }

// View exposes the replicated binding view.
func (c *Coordinator) View() *BindingView { return c.view }

// Peers exposes the keys of hosts whose invocations are accepted.
func (c *Coordinator) Peers() *crypto.PeerKeyRing { return c.cfg.Peers }

// ForgedCount is the number of forged invocations dropped so far.
func (c *Coordinator) ForgedCount() int64 { return c.forged.Load() }

// Start joins the lattice on behalf of host.
func (c *Coordinator) Start(ctx context.Context, host Host) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.host = host
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.started = true
	c.mu.Unlock()

	if err := c.cfg.Peers.Add(c.HostID()); err != nil {
		return err
	}

	for _, kind := range []InventoryKind{InventoryHosts, InventoryActors, InventoryProviders, InventoryBindings} {
		if err := c.watch(c.subjects.Inventory(kind), "", func(m *Msg) { c.handleProbe(kind, m) }); err != nil {
			return err
		}
	}
	fixed := map[string]MsgHandler{
		c.subjects.Auction():          c.handleAuction,
		c.subjects.Launch(c.HostID()): c.handleLaunch,
		c.subjects.Events():           c.handleEvent,
	}
	for subject, h := range fixed {
		if err := c.watch(subject, "", h); err != nil {
			return err
		}
	}

	inv := host.Inventory()
	for _, a := range inv.Actors {
		if err := c.watchActor(a.PublicKey); err != nil {
			return err
		}
	}
	for _, p := range inv.Providers {
		if err := c.watchProvider(p.CapabilityID, p.Instance); err != nil {
			return err
		}
	}

	c.wg.Add(1)
	go c.heartbeatLoop()
	c.logger.Info("joined lattice", "host", c.HostID(), "namespace", c.cfg.Namespace)
	return nil
}

// Stop leaves the lattice. In-flight handlers are awaited until ctx ends.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	c.cancel()
	subs := c.subs
	c.subs = make(map[string]Subscription)
	c.mu.Unlock()

	var errs []error
	for _, s := range subs {
		errs = append(errs, s.Unsubscribe())
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

func (c *Coordinator) running() (context.Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx, c.started
}

// watch subscribes once per subject. Handlers run on their own goroutine.
func (c *Coordinator) watch(subject, queue string, h MsgHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[subject]; ok {
		return nil
	}
	async := func(m *Msg) {
		if _, ok := c.running(); !ok {
			return
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			h(m)
		}()
	}
	var (
		sub Subscription
		err error
	)
	if queue == "" {
		sub, err = c.cfg.Transport.Subscribe(subject, async)
	} else {
		sub, err = c.cfg.Transport.QueueSubscribe(subject, queue, async)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs[subject] = sub
	return nil
}

func (c *Coordinator) unwatch(subject string) {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	delete(c.subs, subject)
	c.mu.Unlock()
	if ok {
		_ = sub.Unsubscribe()
	}
}

func (c *Coordinator) watchActor(pk string) error {
	subject := c.subjects.Actor(pk)
	return c.watch(subject, subject, c.handleInvocation)
}

func (c *Coordinator) watchProvider(capID, instance string) error {
	subject := c.subjects.Provider(capID, instance)
	if err := c.watch(subject, subject, c.handleInvocation); err != nil {
		return err
	}
	return c.watch(c.subjects.ProviderBindings(capID, instance), "", c.handleBindingCommand)
}

// Emit makes the coordinator an events.Sink: local lifecycle events adjust
// subscriptions and are published to the lattice.
func (c *Coordinator) Emit(_ context.Context, e events.Event) error {
	if _, ok := c.running(); !ok {
		return nil
	}
	var err error
	switch e.Type {
	case events.ActorStarted:
		err = c.watchActor(e.String(events.KeyActor))
	case events.ActorStopped:
		c.unwatch(c.subjects.Actor(e.String(events.KeyActor)))
	case events.ProviderLoaded:
		err = c.watchProvider(e.String(events.KeyCapability), e.String(events.KeyInstance))
	case events.ProviderRemoved:
		capID, instance := e.String(events.KeyCapability), e.String(events.KeyInstance)
		c.unwatch(c.subjects.Provider(capID, instance))
		c.unwatch(c.subjects.ProviderBindings(capID, instance))
	case events.InvocationForged:
		return nil
	}
	if err != nil {
		return err
	}
	return c.publishEvent(e, nil)
}

func (c *Coordinator) publishEvent(e events.Event, hb *HostInventory) error {
	signable, err := crypto.CanonicalJSON(signedEvent{Event: e, Heartbeat: hb})
	if err != nil {
		return err
	}
	sig, err := c.cfg.Keyring.Sign(signable)
	if err != nil {
		return err
	}
	data, err := encode(eventEnvelope{Event: e, Heartbeat: hb, Signature: sig})
	if err != nil {
		return err
	}
	return c.cfg.Transport.Publish(c.subjects.Events(), "", data)
}

func (c *Coordinator) handleEvent(m *Msg) {
	var env eventEnvelope
	if err := decode(m.Data, &env); err != nil {
		c.logger.Warn("undecodable lattice event", "error", err)
		return
	}
	e := env.Event
	if e.Source == c.HostID() {
		return
	}
	signable, err := crypto.CanonicalJSON(signedEvent{Event: e, Heartbeat: env.Heartbeat})
	if err != nil {
		return
	}
	if err := crypto.VerifySignature(e.Source, signable, env.Signature); err != nil {
		c.logger.Warn("dropping unsigned lattice event", "source", e.Source, "type", string(e.Type), "error", err)
		return
	}

	switch e.Type {
	case events.HostHeartbeat:
		if env.Heartbeat == nil || env.Heartbeat.HostID != e.Source {
			return
		}
		if err := c.cfg.Peers.Add(e.Source); err != nil {
			c.logger.Warn("rejecting heartbeat", "source", e.Source, "error", err)
			return
		}
		c.view.Reconcile(*env.Heartbeat)
	case events.HostStarted:
		_ = c.cfg.Peers.Add(e.Source)
	case events.HostStopped:
		c.view.Forget(e.Source)
		c.cfg.Peers.Remove(e.Source)
	case events.ActorStarted, events.ActorUpdated:
		c.view.PutActor(e.Source, e.String(events.KeyActor), e.String(events.KeyClaims))
	case events.ActorStopped:
		c.view.DeleteActor(e.Source, e.String(events.KeyActor))
	case events.BindingCreated:
		c.view.PutBinding(e.Source, bindingFromEvent(e))
	case events.BindingRemoved:
		c.view.DeleteBinding(e.Source, e.String(events.KeyActor), e.String(events.KeyCapability))
	}
}

func bindingFromEvent(e events.Event) contracts.Binding {
	values := make(map[string]string)
	if raw, ok := e.Data[events.KeyConfig].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				values[k] = s
			}
		}
	}
	return contracts.Binding{
		Actor:        e.String(events.KeyActor),
		CapabilityID: e.String(events.KeyCapability),
		Instance:     e.String(events.KeyInstance),
		Config:       contracts.NewConfig(values),
	}
}

func (c *Coordinator) heartbeatLoop() {
	defer c.wg.Done()
	ctx, _ := c.running()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	c.heartbeat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.heartbeat()
			for _, host := range c.view.Prune(heartbeatMisses * c.cfg.HeartbeatInterval) {
				c.cfg.Peers.Remove(host)
				c.logger.Info("host left lattice", "host", host)
			}
		}
	}
}

func (c *Coordinator) heartbeat() {
	inv := c.host.Inventory()
	e := events.New(c.HostID(), events.HostHeartbeat, nil)
	if err := c.publishEvent(e, &inv); err != nil {
		c.logger.Warn("heartbeat failed", "error", err)
	}
}

// Heartbeat publishes a heartbeat now.
func (c *Coordinator) Heartbeat() error {
	if _, ok := c.running(); !ok {
		return ErrNotStarted
	}
	c.heartbeat()
	return nil
}

func (c *Coordinator) handleInvocation(m *Msg) {
	ctx, ok := c.running()
	if !ok {
		return
	}
	var inv contracts.Invocation
	if err := decode(m.Data, &inv); err != nil {
		c.logger.Warn("undecodable invocation", "subject", m.Subject, "error", err)
		return
	}
	if err := c.cfg.Peers.Verify(&inv); err != nil {
		c.forged.Add(1)
		c.logger.Warn("dropping forged invocation", "invocation", inv.ID, "host", inv.HostID, "target", inv.Target.Key(), "error", err)
		if c.cfg.Events != nil {
			_ = c.cfg.Events.Emit(ctx, events.New(c.HostID(), events.InvocationForged, map[string]any{
				events.KeyInvocation: inv.ID,
				events.KeyHost:       inv.HostID,
				events.KeyReason:     err.Error(),
			}))
		}
		return
	}

	resp, err := c.host.Invoke(router.LocalOnly(ctx), &inv)
	if err != nil {
		c.logger.Debug("not replying to invocation", "invocation", inv.ID, "error", err)
		return
	}
	if m.Reply == "" {
		return
	}
	data, err := encode(resp)
	if err != nil {
		c.logger.Error("encode response", "invocation", inv.ID, "error", err)
		return
	}
	if err := c.cfg.Transport.Publish(m.Reply, "", data); err != nil {
		c.logger.Warn("reply failed", "invocation", inv.ID, "error", err)
	}
}

// Forward sends inv to whichever host runs its target. It satisfies
// router.RemoteDispatcher.
func (c *Coordinator) Forward(ctx context.Context, inv *contracts.Invocation) (*contracts.InvocationResponse, error) {
	if _, ok := c.running(); !ok {
		return nil, ErrNotStarted
	}
	var (
		subject string
		missing error
	)
	switch {
	case inv.Target.IsActor():
		subject, missing = c.subjects.Actor(inv.Target.PublicKey()), contracts.ErrActorNotFound
	case inv.Target.IsProvider():
		subject, missing = c.subjects.Provider(inv.Target.CapabilityID(), inv.Target.Instance()), contracts.ErrProviderNotFound
	default:
		return nil, fmt.Errorf("%w: cannot forward to %s", contracts.ErrUnauthorized, inv.Target.Key())
	}

	out := *inv
	if err := c.cfg.Keyring.SignInvocation(&out); err != nil {
		return nil, fmt.Errorf("sign invocation: %w", err)
	}
	data, err := encode(&out)
	if err != nil {
		return nil, err
	}
	msg, err := c.cfg.Transport.Request(ctx, subject, data)
	switch {
	case errors.Is(err, ErrNoResponders):
		return nil, fmt.Errorf("%w: nobody serves %s", missing, subject)
	case errors.Is(err, context.DeadlineExceeded):
		return nil, fmt.Errorf("%w: %s", contracts.ErrTimeout, subject)
	case err != nil:
		return nil, err
	}
	var resp contracts.InvocationResponse
	if err := decode(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

// ResolveActor reports whether another host runs pk.
func (c *Coordinator) ResolveActor(pk string) bool {
	return c.view.HasActor(pk)
}

// ClaimsToken returns cached claims of a remote actor.
func (c *Coordinator) ClaimsToken(pk string) (string, bool) {
	return c.view.ClaimsToken(pk)
}

// Lookup returns a binding held by another host.
func (c *Coordinator) Lookup(actor, capID string) (contracts.Binding, bool) {
	return c.view.Lookup(actor, capID)
}

// BindingsFor returns bindings other hosts hold for a provider instance.
func (c *Coordinator) BindingsFor(capID, instance string) []contracts.Binding {
	return c.view.ForProvider(capID, instance)
}

// gather publishes a request and collects replies until ctx ends or limit
// replies arrived (limit 0 collects until ctx ends).
func (c *Coordinator) gather(ctx context.Context, subject string, data []byte, limit int) ([]*Msg, error) {
	inbox := c.cfg.Transport.NewInbox()
	ch := make(chan *Msg, 64)
	sub, err := c.cfg.Transport.Subscribe(inbox, func(m *Msg) {
		select {
		case ch <- m:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := c.cfg.Transport.Publish(subject, inbox, data); err != nil {
		return nil, err
	}
	var out []*Msg
	for {
		select {
		case m := <-ch:
			out = append(out, m)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		case <-ctx.Done():
			return out, nil
		}
	}
}

// Probe asks every host for its inventory and returns the answers that
// arrive within the RPC timeout, ordered by host id.
func (c *Coordinator) Probe(ctx context.Context, kind InventoryKind) ([]HostInventory, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown inventory kind %q", kind)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RPCTimeout)
	defer cancel()
	msgs, err := c.gather(ctx, c.subjects.Inventory(kind), []byte{framePlain, '{', '}'}, 0)
	if err != nil {
		return nil, err
	}
	byHost := make(map[string]HostInventory)
	for _, m := range msgs {
		var inv HostInventory
		if err := decode(m.Data, &inv); err != nil {
			continue
		}
		byHost[inv.HostID] = inv
	}
	out := make([]HostInventory, 0, len(byHost))
	for _, inv := range byHost {
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HostID < out[j].HostID })
	return out, nil
}

func (c *Coordinator) handleProbe(kind InventoryKind, m *Msg) {
	if m.Reply == "" {
		return
	}
	c.reply(m.Reply, c.host.Inventory().trim(kind))
}

func (c *Coordinator) reply(subject string, v any) {
	data, err := encode(v)
	if err != nil {
		c.logger.Error("encode reply", "error", err)
		return
	}
	if err := c.cfg.Transport.Publish(subject, "", data); err != nil {
		c.logger.Warn("reply failed", "subject", subject, "error", err)
	}
}

// SetBinding asks every host running the binding's provider instance to
// apply it, retrying with backoff when nobody answers.
func (c *Coordinator) SetBinding(ctx context.Context, b contracts.Binding) ([]Ack, error) {
	return c.broadcastBinding(ctx, bindingCommand{ID: uuid.NewString(), Binding: b})
}

// RemoveBinding revokes a binding on every host running the provider
// instance.
func (c *Coordinator) RemoveBinding(ctx context.Context, actor, capID, instance string) ([]Ack, error) {
	if instance == "" {
		instance = contracts.DefaultInstance
	}
	return c.broadcastBinding(ctx, bindingCommand{
		ID:      uuid.NewString(),
		Remove:  true,
		Binding: contracts.Binding{Actor: actor, CapabilityID: capID, Instance: instance},
	})
}

func (c *Coordinator) broadcastBinding(ctx context.Context, cmd bindingCommand) ([]Ack, error) {
	if _, ok := c.running(); !ok {
		return nil, ErrNotStarted
	}
	if cmd.Binding.Instance == "" {
		cmd.Binding.Instance = contracts.DefaultInstance
	}
	subject := c.subjects.ProviderBindings(cmd.Binding.CapabilityID, cmd.Binding.Instance)
	data, err := encode(cmd)
	if err != nil {
		return nil, err
	}

	backoff := c.cfg.RetryBackoff
	for attempt := 1; attempt <= c.cfg.BindingAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}
		actx, cancel := context.WithTimeout(ctx, c.cfg.RPCTimeout)
		msgs, err := c.gather(actx, subject, data, 0)
		cancel()
		if err != nil {
			return nil, err
		}
		acks := decodeAcks(msgs)
		if len(acks) == 0 {
			c.logger.Warn("binding command unacknowledged", "subject", subject, "attempt", attempt)
			continue
		}

		var errs []error
		for _, ack := range acks {
			if ack.Error != "" {
				errs = append(errs, fmt.Errorf("host %s: %s", ack.HostID, ack.Error))
				continue
			}
			if ack.HostID == c.HostID() {
				continue
			}
			if cmd.Remove {
				c.view.DeleteBinding(ack.HostID, cmd.Binding.Actor, cmd.Binding.CapabilityID)
			} else {
				c.view.PutBinding(ack.HostID, cmd.Binding)
			}
		}
		if len(errs) == len(acks) {
			return acks, errors.Join(errs...)
		}
		return acks, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoAcks, subject)
}

func decodeAcks(msgs []*Msg) []Ack {
	seen := make(map[string]bool)
	var acks []Ack
	for _, m := range msgs {
		var ack Ack
		if err := decode(m.Data, &ack); err != nil || seen[ack.HostID] {
			continue
		}
		seen[ack.HostID] = true
		acks = append(acks, ack)
	}
	sort.Slice(acks, func(i, j int) bool { return acks[i].HostID < acks[j].HostID })
	return acks
}

func (c *Coordinator) handleBindingCommand(m *Msg) {
	ctx, ok := c.running()
	if !ok {
		return
	}
	var cmd bindingCommand
	if err := decode(m.Data, &cmd); err != nil {
		c.logger.Warn("undecodable binding command", "error", err)
		return
	}
	var err error
	if cmd.Remove {
		err = c.host.RevokeBinding(ctx, cmd.Binding.Actor, cmd.Binding.CapabilityID)
		if errors.Is(err, contracts.ErrNoSuchBinding) {
			err = nil
		}
	} else {
		err = c.host.ApplyBinding(ctx, cmd.Binding)
	}
	ack := Ack{HostID: c.HostID()}
	if err != nil {
		ack.Error = err.Error()
		c.logger.Warn("binding command failed", "command", cmd.ID, "actor", cmd.Binding.Actor, "capability", cmd.Binding.CapabilityID, "error", err)
	}
	if m.Reply != "" {
		c.reply(m.Reply, ack)
	}
}

// Auction collects bids from hosts whose labels satisfy req.Constraints.
func (c *Coordinator) Auction(ctx context.Context, req AuctionRequest) ([]AuctionBid, error) {
	if _, ok := c.running(); !ok {
		return nil, ErrNotStarted
	}
	data, err := encode(req)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RPCTimeout)
	defer cancel()
	msgs, err := c.gather(ctx, c.subjects.Auction(), data, 0)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var bids []AuctionBid
	for _, m := range msgs {
		var bid AuctionBid
		if err := decode(m.Data, &bid); err != nil || seen[bid.HostID] {
			continue
		}
		seen[bid.HostID] = true
		bids = append(bids, bid)
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i].HostID < bids[j].HostID })
	return bids, nil
}

func (c *Coordinator) handleAuction(m *Msg) {
	var req AuctionRequest
	if err := decode(m.Data, &req); err != nil || m.Reply == "" {
		return
	}
	labels := c.host.Inventory().Labels
	if !satisfies(labels, req.Constraints) {
		return
	}
	c.reply(m.Reply, AuctionBid{HostID: c.HostID(), Labels: labels})
}

// Launch tells hostID to start an entity and waits for its ack.
func (c *Coordinator) Launch(ctx context.Context, hostID string, cmd LaunchCommand) error {
	if _, ok := c.running(); !ok {
		return ErrNotStarted
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 10*c.cfg.RPCTimeout)
		defer cancel()
	}
	data, err := encode(cmd)
	if err != nil {
		return err
	}
	msg, err := c.cfg.Transport.Request(ctx, c.subjects.Launch(hostID), data)
	if err != nil {
		return fmt.Errorf("launch on %s: %w", hostID, err)
	}
	var ack Ack
	if err := decode(msg.Data, &ack); err != nil {
		return err
	}
	if ack.Error != "" {
		return fmt.Errorf("launch on %s: %s", hostID, ack.Error)
	}
	return nil
}

func (c *Coordinator) handleLaunch(m *Msg) {
	ctx, ok := c.running()
	if !ok {
		return
	}
	var cmd LaunchCommand
	if err := decode(m.Data, &cmd); err != nil {
		return
	}
	ack := Ack{HostID: c.HostID()}
	if err := c.host.Launch(ctx, cmd); err != nil {
		ack.Error = err.Error()
	}
	if m.Reply != "" {
		c.reply(m.Reply, ack)
	}
}
