package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"stackyard/internal/domain"
)

const (
	orchestratorActor = "orchestrator"
	trailCap          = 1000

	// MaxConcurrentOrders is the hard cap on orders executing at once.
	MaxConcurrentOrders = 2
)

type Fleet interface {
	AgentIDs() []string
	MoveTo(agentID string, cell domain.LaneCoord) error
	WaitReady(ctx context.Context, agentID string) error
	Stop(agentID string) error
	PickUp(agentID string, boxID int) error
	Drop(agentID string) (domain.CargoBox, error)
}

type Inventory interface {
	Get(id int) (domain.CargoBox, bool)
	FindAvailable(id int) (domain.CargoBox, error)
	Snapshot() []domain.CargoBox
}

type Resolver interface {
	Next(target domain.CargoBox, orderItems map[int]struct{}, shipping domain.LaneCoord) (domain.RelocationStep, bool, error)
}

type Store interface {
	CreateOrder(ctx context.Context, order domain.OrderRecord) error
	GetOrder(ctx context.Context, orderID string) (domain.OrderRecord, error)
	ListOrders(ctx context.Context, limit int) ([]domain.OrderRecord, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus, lastError string) error
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
	ListOrderDecisions(ctx context.Context, orderID string, limit int) ([]domain.DecisionLog, error)
	SaveCargoSnapshot(ctx context.Context, boxes []domain.CargoBox) error
}

type Bus interface {
	Publish(evt domain.Event) error
}

type Config struct {
	PickupDwell           time.Duration
	DropoffDwell          time.Duration
	ReadyTimeout          time.Duration
	MaxConcurrentOrders   int
	MaxRelocationsPerItem int
	ShippingTargets       []domain.ShippingTarget
}

// DefaultShippingTargets are the two dock cells beside the unload bays.
func DefaultShippingTargets() []domain.ShippingTarget {
	return []domain.ShippingTarget{
		{Label: "X1Y1", Cell: domain.LaneCoord{X: 0, Z: 0}},
		{Label: "X4Y1", Cell: domain.LaneCoord{X: 3, Z: 0}},
	}
}

// Dwell values are taken as given: zero disables the pause. The order cap is
// clamped to MaxConcurrentOrders.
func (c Config) withDefaults() Config {
	if c.PickupDwell < 0 {
		c.PickupDwell = 0
	}
	if c.DropoffDwell < 0 {
		c.DropoffDwell = 0
	}
	if c.MaxConcurrentOrders <= 0 || c.MaxConcurrentOrders > MaxConcurrentOrders {
		c.MaxConcurrentOrders = MaxConcurrentOrders
	}
	if c.MaxRelocationsPerItem <= 0 {
		c.MaxRelocationsPerItem = 32
	}
	if len(c.ShippingTargets) == 0 {
		c.ShippingTargets = DefaultShippingTargets()
	}
	return c
}

type Service struct {
	fleet     Fleet
	inventory Inventory
	resolver  Resolver
	store     Store
	bus       Bus
	cfg       Config
	logger    *log.Logger

	busy atomic.Bool
	wg   sync.WaitGroup

	trailMu sync.Mutex
	trail   []string
}

type orderPlan struct {
	batchID string
	order   domain.OrderRequest
	agentID string
	target  domain.ShippingTarget
}

// batchTrail collects the status lines of one batch.
type batchTrail struct {
	mu    sync.Mutex
	lines []string
}

func (b *batchTrail) add(line string) {
	b.mu.Lock()
	b.lines = append(b.lines, line)
	b.mu.Unlock()
}

func (b *batchTrail) snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}

func New(fleet Fleet, inventory Inventory, resolver Resolver, store Store, bus Bus, cfg Config, logger *log.Logger) *Service {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		fleet:     fleet,
		inventory: inventory,
		resolver:  resolver,
		store:     store,
		bus:       bus,
		cfg:       cfg,
		logger:    logger,
	}
}

func (s *Service) Config() Config {
	return s.cfg
}

// Executing reports whether a batch holds the single-flight guard.
func (s *Service) Executing() bool {
	return s.busy.Load()
}

// Exclusive runs fn while holding the single-flight guard, so no batch can
// start until it returns. It fails with ErrOrchestratorBusy if a batch is
// executing.
func (s *Service) Exclusive(fn func() error) error {
	if !s.busy.CompareAndSwap(false, true) {
		return domain.ErrOrchestratorBusy
	}
	defer s.busy.Store(false)
	return fn()
}

// Wait blocks until every submitted batch has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Trail returns up to limit of the most recent status lines, oldest first.
func (s *Service) Trail(limit int) []string {
	s.trailMu.Lock()
	defer s.trailMu.Unlock()
	start := 0
	if limit > 0 && len(s.trail) > limit {
		start = len(s.trail) - limit
	}
	out := make([]string, len(s.trail)-start)
	copy(out, s.trail[start:])
	return out
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.OrderRecord, error) {
	return s.store.GetOrder(ctx, orderID)
}

func (s *Service) ListOrders(ctx context.Context, limit int) ([]domain.OrderRecord, error) {
	return s.store.ListOrders(ctx, limit)
}

func (s *Service) ListOrderDecisions(ctx context.Context, orderID string, limit int) ([]domain.DecisionLog, error) {
	return s.store.ListOrderDecisions(ctx, orderID, limit)
}

// ExecuteOrders runs a batch to completion. Only OrchestratorBusy, EmptyOrder
// and NoAgentsAvailable are returned as errors; item failures are reported in
// the result.
func (s *Service) ExecuteOrders(ctx context.Context, batch []domain.OrderRequest) (domain.BatchResult, error) {
	batchID, results, err := s.Submit(ctx, batch)
	if err != nil {
		return domain.BatchResult{BatchID: batchID, Success: false, Message: err.Error()}, err
	}
	return <-results, nil
}

// Submit takes the single-flight guard and starts the batch in the background.
// The returned channel yields exactly one result.
func (s *Service) Submit(ctx context.Context, batch []domain.OrderRequest) (string, <-chan domain.BatchResult, error) {
	if len(batch) == 0 {
		return "", nil, fmt.Errorf("%w: batch has no orders", domain.ErrEmptyOrder)
	}
	agents := s.fleet.AgentIDs()
	if len(agents) == 0 {
		return "", nil, domain.ErrNoAgentsAvailable
	}
	if !s.busy.CompareAndSwap(false, true) {
		_ = s.store.LogDecision(ctx, domain.DecisionLog{
			Actor:   orchestratorActor,
			Action:  "batch_rejected",
			Reason:  "previous batch still executing",
			Payload: mustJSON(map[string]any{"orders": len(batch)}),
		})
		return "", nil, domain.ErrOrchestratorBusy
	}

	batchID := uuid.NewString()
	trail := &batchTrail{}

	var plans []orderPlan
	var skipped []string
	for i, req := range batch {
		if strings.TrimSpace(req.ID) == "" {
			req.ID = uuid.NewString()
		}
		if i >= s.cfg.MaxConcurrentOrders {
			skipped = append(skipped, req.ID)
			s.recordRejected(ctx, trail, batchID, req, "concurrency cap reached")
			continue
		}
		plan := orderPlan{
			batchID: batchID,
			order:   req,
			target:  s.cfg.ShippingTargets[i%len(s.cfg.ShippingTargets)],
		}
		if i < len(agents) {
			plan.agentID = agents[i]
		}
		if err := retryBusy(func() error {
			return s.store.CreateOrder(context.WithoutCancel(ctx), domain.OrderRecord{
				ID:      req.ID,
				BatchID: batchID,
				AgentID: plan.agentID,
				Target:  plan.target,
				Items:   req.Items,
				Status:  domain.OrderStatusQueued,
			})
		}); err != nil {
			s.logger.Printf("create order failed order=%s: %v", req.ID, err)
		}
		plans = append(plans, plan)
	}

	out := make(chan domain.BatchResult, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res := s.runBatch(ctx, batchID, plans, trail)
		res.Skipped = skipped
		res.Trail = trail.snapshot()
		s.busy.Store(false)
		out <- res
		close(out)
	}()
	return batchID, out, nil
}

func (s *Service) runBatch(ctx context.Context, batchID string, plans []orderPlan, trail *batchTrail) domain.BatchResult {
	s.report(ctx, trail, "", orchestratorActor, "batch_started",
		fmt.Sprintf("batch %s started with %d orders", shortID(batchID), len(plans)),
		map[string]any{"batch_id": batchID})

	results := make([]domain.OrderResult, len(plans))
	var wg sync.WaitGroup
	for i := range plans {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.executeOrder(ctx, plans[i], trail)
		}(i)
	}
	wg.Wait()

	res := domain.BatchResult{
		BatchID:           batchID,
		Orders:            results,
		CompletedOrderIDs: []string{},
	}
	for _, r := range results {
		if r.Status == domain.OrderStatusCompleted || r.Status == domain.OrderStatusPartiallyFailed {
			res.CompletedOrderIDs = append(res.CompletedOrderIDs, r.OrderID)
		}
	}
	res.Success = len(res.CompletedOrderIDs) > 0
	if res.Success {
		res.Message = fmt.Sprintf("orders %s completed", strings.Join(res.CompletedOrderIDs, ", "))
	} else {
		res.Message = "no orders completed"
	}
	s.report(ctx, trail, "", orchestratorActor, "batch_finished", res.Message,
		map[string]any{"batch_id": batchID, "completed": res.CompletedOrderIDs})
	return res
}

func (s *Service) executeOrder(ctx context.Context, plan orderPlan, trail *batchTrail) domain.OrderResult {
	order := plan.order
	res := domain.OrderResult{
		OrderID:   order.ID,
		AgentID:   plan.agentID,
		Target:    plan.target,
		Delivered: []int{},
		Failures:  []domain.ItemFailure{},
	}

	s.setStatus(ctx, order.ID, domain.OrderStatusAssigning, "")
	if len(order.Items) == 0 {
		res.Status = domain.OrderStatusRejected
		res.Failures = append(res.Failures, domain.ItemFailure{Code: domain.ErrorCode(domain.ErrEmptyOrder), Reason: domain.ErrEmptyOrder.Error()})
		s.setStatus(ctx, order.ID, res.Status, domain.ErrEmptyOrder.Error())
		s.report(ctx, trail, order.ID, orchestratorActor, "order_rejected",
			fmt.Sprintf("order %s has no items", order.ID), nil)
		s.publishResult(res)
		return res
	}

	s.setStatus(ctx, order.ID, domain.OrderStatusExecuting, "")
	s.report(ctx, trail, order.ID, orchestratorActor, "order_assigned",
		fmt.Sprintf("order %s -> agent=%s target=%s", order.ID, displayAgent(plan.agentID), plan.target.Label),
		map[string]any{"agent_id": plan.agentID, "target": plan.target, "items": order.Items})

	members := make(map[int]struct{}, len(order.Items))
	for _, id := range order.Items {
		members[id] = struct{}{}
	}

	for _, itemID := range order.Items {
		relocated, err := s.fulfilItem(ctx, plan, itemID, members, trail)
		res.Relocated += relocated
		if err != nil {
			code := domain.ErrorCode(err)
			res.Failures = append(res.Failures, domain.ItemFailure{ItemID: itemID, Code: code, Reason: err.Error()})
			s.report(ctx, trail, order.ID, actorFor(plan), "item_failed",
				fmt.Sprintf("item %d failed: %v", itemID, err),
				map[string]any{"item_id": itemID, "code": code})
			continue
		}
		res.Delivered = append(res.Delivered, itemID)
		s.report(ctx, trail, order.ID, actorFor(plan), "item_delivered",
			fmt.Sprintf("item %d delivered to %s", itemID, plan.target.Label),
			map[string]any{"item_id": itemID, "target": plan.target.Label, "relocated": relocated})
	}

	res.Status = domain.OrderStatusCompleted
	lastError := ""
	if len(res.Failures) > 0 {
		res.Status = domain.OrderStatusPartiallyFailed
		lastError = res.Failures[len(res.Failures)-1].Reason
	}
	s.setStatus(ctx, order.ID, res.Status, lastError)
	s.report(ctx, trail, order.ID, orchestratorActor, "order_finished",
		fmt.Sprintf("order %s %s: %d delivered, %d failed", order.ID, res.Status, len(res.Delivered), len(res.Failures)),
		map[string]any{"delivered": res.Delivered, "failures": len(res.Failures)})

	if err := retryBusy(func() error {
		return s.store.SaveCargoSnapshot(context.WithoutCancel(ctx), s.inventory.Snapshot())
	}); err != nil {
		s.logger.Printf("save cargo snapshot failed order=%s: %v", order.ID, err)
	}
	s.publishResult(res)
	return res
}

// fulfilItem uncovers the item and carries it to the order's target.
func (s *Service) fulfilItem(ctx context.Context, plan orderPlan, itemID int, members map[int]struct{}, trail *batchTrail) (int, error) {
	if plan.agentID == "" {
		return 0, fmt.Errorf("%w: no agent bound to order %s", domain.ErrAgentNotFound, plan.order.ID)
	}
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("item %d not started: %w", itemID, err)
	}
	box, err := s.inventory.FindAvailable(itemID)
	if err != nil {
		return 0, err
	}
	if !box.Located {
		return 0, fmt.Errorf("%w: item %d", domain.ErrItemLocationMissing, itemID)
	}
	if box.Coord.Lane() == plan.target.Cell {
		s.report(ctx, trail, plan.order.ID, actorFor(plan), "item_already_at_target",
			fmt.Sprintf("item %d already at %s", itemID, plan.target.Label), nil)
		return 0, nil
	}

	relocated := 0
	for {
		step, ok, err := s.resolver.Next(box, members, plan.target.Cell)
		if err != nil {
			return relocated, fmt.Errorf("clear above item %d: %w", itemID, err)
		}
		if !ok {
			break
		}
		if relocated >= s.cfg.MaxRelocationsPerItem {
			return relocated, fmt.Errorf("%w: item %d still buried after %d relocations", domain.ErrPickConflict, itemID, relocated)
		}
		dest := step.Destination.Key()
		if step.ToShipping {
			dest = plan.target.Label
		}
		s.report(ctx, trail, plan.order.ID, actorFor(plan), "blocker_relocating",
			fmt.Sprintf("moving box %d off item %d to %s", step.Box.ID, itemID, dest),
			map[string]any{"box_id": step.Box.ID, "item_id": itemID, "destination": step.Destination, "to_shipping": step.ToShipping})
		if err := s.moveBox(ctx, plan.agentID, step.Box.ID, step.Destination); err != nil {
			return relocated, fmt.Errorf("relocate box %d: %w", step.Box.ID, err)
		}
		relocated++

		box, err = s.inventory.FindAvailable(itemID)
		if err != nil {
			return relocated, err
		}
	}

	if err := s.moveBox(ctx, plan.agentID, itemID, plan.target.Cell); err != nil {
		return relocated, err
	}
	return relocated, nil
}

// moveBox runs one pick-transit-drop cycle.
func (s *Service) moveBox(ctx context.Context, agentID string, boxID int, dest domain.LaneCoord) error {
	box, err := s.inventory.FindAvailable(boxID)
	if err != nil {
		return err
	}
	if !box.Located {
		return fmt.Errorf("%w: box %d", domain.ErrItemLocationMissing, boxID)
	}

	if err := s.travel(ctx, agentID, box.Coord.Lane()); err != nil {
		s.halt(agentID)
		return err
	}
	s.dwell(ctx, s.cfg.PickupDwell)
	if err := s.fleet.PickUp(agentID, boxID); err != nil {
		return err
	}
	s.dwell(ctx, s.cfg.PickupDwell)

	if err := s.travel(ctx, agentID, dest); err != nil {
		// Put the box down where the car stops so neither stays claimed.
		s.halt(agentID)
		if _, dropErr := s.fleet.Drop(agentID); dropErr != nil {
			s.logger.Printf("put-down after failed transit agent=%s box=%d: %v", agentID, boxID, dropErr)
		}
		return err
	}
	s.dwell(ctx, s.cfg.DropoffDwell)
	if _, err := s.fleet.Drop(agentID); err != nil {
		return err
	}
	s.dwell(ctx, s.cfg.DropoffDwell)
	return nil
}

func (s *Service) travel(ctx context.Context, agentID string, cell domain.LaneCoord) error {
	if err := s.fleet.MoveTo(agentID, cell); err != nil {
		return err
	}
	waitCtx := ctx
	if s.cfg.ReadyTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.cfg.ReadyTimeout)
		defer cancel()
	}
	return s.fleet.WaitReady(waitCtx, agentID)
}

func (s *Service) halt(agentID string) {
	if err := s.fleet.Stop(agentID); err != nil {
		s.logger.Printf("stop failed agent=%s: %v", agentID, err)
	}
}

func (s *Service) dwell(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (s *Service) recordRejected(ctx context.Context, trail *batchTrail, batchID string, req domain.OrderRequest, reason string) {
	ctx = context.WithoutCancel(ctx)
	if err := retryBusy(func() error {
		return s.store.CreateOrder(ctx, domain.OrderRecord{
			ID:        req.ID,
			BatchID:   batchID,
			Items:     req.Items,
			Status:    domain.OrderStatusRejected,
			LastError: reason,
		})
	}); err != nil {
		s.logger.Printf("record rejected order failed order=%s: %v", req.ID, err)
	}
	s.report(ctx, trail, req.ID, orchestratorActor, "order_rejected",
		fmt.Sprintf("order %s not accepted: %s", req.ID, reason), nil)
}

// setStatus and report persist even after the batch is cancelled so the final
// outcome of an interrupted order is recorded.
func (s *Service) setStatus(ctx context.Context, orderID string, status domain.OrderStatus, lastError string) {
	ctx = context.WithoutCancel(ctx)
	if err := retryBusy(func() error {
		return s.store.UpdateOrderStatus(ctx, orderID, status, lastError)
	}); err != nil {
		s.logger.Printf("update order status failed order=%s status=%s: %v", orderID, status, err)
	}
}

// report fans one status line out to the log, the trails, the bus and the
// decision log.
func (s *Service) report(ctx context.Context, trail *batchTrail, orderID, actor, action, line string, payload map[string]any) {
	if orderID != "" {
		s.logger.Printf("order=%s %s", orderID, line)
	} else {
		s.logger.Print(line)
	}
	trail.add(line)

	s.trailMu.Lock()
	s.trail = append(s.trail, line)
	if over := len(s.trail) - trailCap; over > 0 {
		s.trail = append(s.trail[:0], s.trail[over:]...)
	}
	s.trailMu.Unlock()

	if s.bus != nil {
		_ = s.bus.Publish(domain.Event{
			Type: domain.EventTypeStatus,
			Payload: mustJSON(map[string]any{
				"order_id": orderID,
				"actor":    actor,
				"action":   action,
				"message":  line,
			}),
			At: time.Now().UTC(),
		})
	}
	if payload == nil {
		payload = map[string]any{}
	}
	_ = s.store.LogDecision(context.WithoutCancel(ctx), domain.DecisionLog{
		OrderID: orderID,
		Actor:   actor,
		Action:  action,
		Reason:  line,
		Payload: mustJSON(payload),
	})
}

func (s *Service) publishResult(res domain.OrderResult) {
	if s.bus == nil {
		return
	}
	_ = s.bus.Publish(domain.Event{
		Type:    domain.EventTypeOrderResult,
		Payload: mustJSON(res),
		At:      time.Now().UTC(),
	})
}

func actorFor(plan orderPlan) string {
	if plan.agentID == "" {
		return orchestratorActor
	}
	return plan.agentID
}

func displayAgent(agentID string) string {
	if agentID == "" {
		return "none"
	}
	return agentID
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}

func retryBusy(fn func() error) error {
	var err error
	for attempt := 0; attempt < 6; attempt++ {
		err = fn()
		if err == nil || !isSQLiteBusy(err) {
			return err
		}
		time.Sleep(time.Duration(30*(attempt+1)) * time.Millisecond)
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
