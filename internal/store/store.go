package store

import (
	"sort"
	"sync"
	"time"

	"github.com/jogardn/pios-pos/pkg/models"
	"github.com/sirupsen/logrus"
)

type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeStale
	OutcomeInserted
	OutcomeUpdated
	OutcomeMovedToPaid
	OutcomeReopened
	OutcomeRemoved
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIgnored:
		return "ignored"
	case OutcomeStale:
		return "stale"
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeMovedToPaid:
		return "moved_to_paid"
	case OutcomeReopened:
		return "reopened"
	case OutcomeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

const (
	NotifyOrderUpserted = "order_upserted"
	NotifyOrderRemoved  = "order_removed"
	NotifyTableUpdated  = "table_updated"
	NotifyStoreReset    = "store_reset"
)

// Notification describes one mutation of the store for observers.
type Notification struct {
	Type    string        `json:"type"`
	OrderID string        `json:"order_id,omitempty"`
	Paid    bool          `json:"paid,omitempty"`
	Order   *models.Order `json:"order,omitempty"`
	Table   *models.Table `json:"table,omitempty"`
}

// LoadToken marks the start of a bulk load. Rows touched by realtime events
// after the token was taken survive the seed even if the fetch missed them.
type LoadToken uint64

type Options struct {
	Location *time.Location
	Clock    func() time.Time
}

// Store holds today's active and paid orders plus the cached table rows.
// The two order lists are disjoint.
type Store struct {
	mu sync.RWMutex

	active []models.Order
	paid   []models.Order
	tables map[int]models.Table

	newItems map[string][]int
	versions map[string]int64
	deleted  map[string]struct{}
	touched  map[string]uint64
	seq      uint64

	loaded bool
	closed bool

	loc   *time.Location
	clock func() time.Time

	listeners  map[int]func(Notification)
	listenerID int

	logger *logrus.Logger
}

func New(opts Options, logger *logrus.Logger) *Store {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Store{
		tables:    make(map[int]models.Table),
		newItems:  make(map[string][]int),
		versions:  make(map[string]int64),
		deleted:   make(map[string]struct{}),
		touched:   make(map[string]uint64),
		loc:       opts.Location,
		clock:     opts.Clock,
		listeners: make(map[int]func(Notification)),
		logger:    logger,
	}
}

// DayWindow returns [local midnight, next local midnight) around now.
func DayWindow(now time.Time, loc *time.Location) (time.Time, time.Time) {
	n := now.In(loc)
	start := time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

func inWindow(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

// Window returns today's working-set bounds according to the store clock.
func (s *Store) Window() (time.Time, time.Time) {
	return DayWindow(s.clock(), s.loc)
}

func (s *Store) Location() *time.Location {
	return s.loc
}

// Subscribe registers fn for every mutation. The returned func removes it.
func (s *Store) Subscribe(fn func(Notification)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listenerID++
	id := s.listenerID
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Store) publish(notes []Notification) {
	if len(notes) == 0 {
		return
	}
	s.mu.RLock()
	listeners := make([]func(Notification), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.RUnlock()

	for _, n := range notes {
		for _, fn := range listeners {
			fn(n)
		}
	}
}

// ApplyOrderChange merges one realtime notification for the orders relation
// into the active and paid lists.
func (s *Store) ApplyOrderChange(change models.OrderChange) Outcome {
	s.mu.Lock()
	outcome, notes := s.applyOrderChange(change)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"order_id": change.ID(),
		"kind":     change.Kind,
		"outcome":  outcome.String(),
	}).Debug("Order change reconciled")

	s.publish(notes)
	return outcome
}

func (s *Store) applyOrderChange(change models.OrderChange) (Outcome, []Notification) {
	if s.closed {
		return OutcomeIgnored, nil
	}

	image := change.Image()
	id := change.ID()
	if image == nil || id == "" {
		return OutcomeIgnored, nil
	}

	from, to := s.Window()
	if change.Kind == models.ChangeDelete {
		if !image.CreatedAt.IsZero() && !inWindow(image.CreatedAt, from, to) {
			return OutcomeIgnored, nil
		}
		return s.remove(id)
	}

	if image.CreatedAt.IsZero() || !inWindow(image.CreatedAt, from, to) {
		return OutcomeIgnored, nil
	}
	if _, gone := s.deleted[id]; gone {
		return OutcomeStale, nil
	}
	if image.Version > 0 {
		if seen, ok := s.versions[id]; ok && seen >= image.Version {
			return OutcomeStale, nil
		}
		s.versions[id] = image.Version
	}
	// Without a version a repeated paid image cannot be told apart from a
	// newer one, so an order already in the paid list is left as it is.
	if image.Version == 0 && image.Status == models.StatusPaid && indexOf(s.paid, id) >= 0 {
		return OutcomeStale, nil
	}

	s.seq++
	s.touched[id] = s.seq

	order := image.Clone()
	order.NewItems = nil

	var outcome Outcome
	switch change.Kind {
	case models.ChangeInsert:
		outcome = OutcomeInserted
		if order.Status == models.StatusPaid {
			s.placePaid(order)
		} else {
			s.placeActive(order)
		}

	case models.ChangeUpdate:
		switch {
		case order.Status == models.StatusPaid:
			outcome = OutcomeUpdated
			if indexOf(s.paid, id) < 0 {
				outcome = OutcomeMovedToPaid
			}
			s.placePaid(order)
		case change.Old != nil && change.Old.Status == models.StatusPaid:
			outcome = OutcomeReopened
			s.placeActive(order)
		default:
			outcome = OutcomeUpdated
			if indexOf(s.paid, id) >= 0 {
				// Reopened without a usable old image.
				outcome = OutcomeReopened
			} else if indexOf(s.active, id) < 0 {
				outcome = OutcomeInserted
			}
			s.placeActive(order)
		}

	default:
		return OutcomeIgnored, nil
	}

	snapshot := s.withNewItems(order)
	return outcome, []Notification{{
		Type:    NotifyOrderUpserted,
		OrderID: id,
		Paid:    order.Status == models.StatusPaid,
		Order:   &snapshot,
	}}
}

// placePaid puts order in the paid list, refreshing an existing entry with
// the same id in place, and removes it from the active list.
func (s *Store) placePaid(order models.Order) {
	s.active = without(s.active, order.ID)
	delete(s.newItems, order.ID)
	if i := indexOf(s.paid, order.ID); i >= 0 {
		s.paid[i] = order
		return
	}
	s.paid = prepend(s.paid, order)
}

func (s *Store) placeActive(order models.Order) {
	s.paid = without(s.paid, order.ID)
	if i := indexOf(s.active, order.ID); i >= 0 {
		s.active[i] = order
		return
	}
	s.active = prepend(s.active, order)
}

func (s *Store) remove(id string) (Outcome, []Notification) {
	s.active = without(s.active, id)
	s.paid = without(s.paid, id)
	delete(s.newItems, id)
	delete(s.touched, id)
	s.deleted[id] = struct{}{}
	return OutcomeRemoved, []Notification{{Type: NotifyOrderRemoved, OrderID: id}}
}

// BeginLoad returns a token to pass to the seed calls of one bulk load.
func (s *Store) BeginLoad() LoadToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return LoadToken(s.seq)
}

// Seed installs both halves of a load fetched in one go and marks the
// store ready.
func (s *Store) Seed(active, paid []models.Order) {
	token := s.BeginLoad()
	s.SeedActive(token, active)
	s.SeedPaid(token, paid)
	s.FinishLoad()
}

// SeedActive installs the fetched non-paid orders.
func (s *Store) SeedActive(token LoadToken, orders []models.Order) {
	s.seed(token, orders, false)
}

// SeedPaid installs the fetched paid orders.
func (s *Store) SeedPaid(token LoadToken, orders []models.Order) {
	s.seed(token, orders, true)
}

func (s *Store) seed(token LoadToken, orders []models.Order, paid bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	from, to := s.Window()
	fetched := make(map[string]struct{}, len(orders))
	for _, o := range orders {
		fetched[o.ID] = struct{}{}
	}

	// Drop rows of this list the fetch no longer returns, unless an event
	// touched them after the load started.
	current := s.active
	if paid {
		current = s.paid
	}
	for _, o := range current {
		if _, ok := fetched[o.ID]; ok {
			continue
		}
		if s.touched[o.ID] > uint64(token) {
			continue
		}
		if paid {
			s.paid = without(s.paid, o.ID)
		} else {
			s.active = without(s.active, o.ID)
			delete(s.newItems, o.ID)
		}
	}

	for _, o := range orders {
		if o.ID == "" || !inWindow(o.CreatedAt, from, to) {
			continue
		}
		if _, gone := s.deleted[o.ID]; gone {
			continue
		}
		if s.touched[o.ID] > uint64(token) {
			continue
		}
		if seen, ok := s.versions[o.ID]; ok && o.Version > 0 && seen > o.Version {
			continue
		}
		if o.Version > 0 {
			s.versions[o.ID] = o.Version
		}
		order := o.Clone()
		order.NewItems = nil
		if order.Status == models.StatusPaid {
			s.placePaid(order)
		} else {
			s.placeActive(order)
		}
	}

	sortActive(s.active)
	sortPaid(s.paid)
	s.mu.Unlock()

	s.publish([]Notification{{Type: NotifyStoreReset}})
}

// FinishLoad marks the store ready once both halves of a load completed,
// successfully or not.
func (s *Store) FinishLoad() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = true
}

func (s *Store) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// MarkNewItems flags item positions appended after the order was placed.
// It only applies to orders still in the active list.
func (s *Store) MarkNewItems(id string, indices []int) {
	s.mu.Lock()
	i := indexOf(s.active, id)
	if i < 0 {
		s.mu.Unlock()
		return
	}
	s.newItems[id] = append([]int(nil), indices...)
	snapshot := s.withNewItems(s.active[i])
	s.mu.Unlock()

	s.publish([]Notification{{Type: NotifyOrderUpserted, OrderID: id, Order: &snapshot}})
}

// ClearNewItems drops the new-item flags of an order.
func (s *Store) ClearNewItems(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.newItems, id)
}

func (s *Store) withNewItems(o models.Order) models.Order {
	c := o.Clone()
	if idx, ok := s.newItems[o.ID]; ok {
		c.NewItems = append([]int(nil), idx...)
	}
	return c
}

// Order looks an order up in either list.
func (s *Store) Order(id string) (models.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := indexOf(s.active, id); i >= 0 {
		return s.withNewItems(s.active[i]), true
	}
	if i := indexOf(s.paid, id); i >= 0 {
		return s.paid[i].Clone(), true
	}
	return models.Order{}, false
}

func (s *Store) Active() []models.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Order, len(s.active))
	for i, o := range s.active {
		out[i] = s.withNewItems(o)
	}
	return out
}

func (s *Store) Paid() []models.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Order, len(s.paid))
	for i, o := range s.paid {
		out[i] = o.Clone()
	}
	return out
}

// ApplyTableChange keeps the local copy of the tables relation current.
func (s *Store) ApplyTableChange(change models.TableChange) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var note Notification
	switch change.Kind {
	case models.ChangeDelete:
		if change.Old == nil {
			s.mu.Unlock()
			return
		}
		delete(s.tables, change.Old.Number)
		t := models.Table{Number: change.Old.Number, Status: models.TableAvailable}
		note = Notification{Type: NotifyTableUpdated, Table: &t}
	default:
		if change.New == nil {
			s.mu.Unlock()
			return
		}
		if cur, ok := s.tables[change.New.Number]; ok && cur.UpdatedAt.After(change.New.UpdatedAt) {
			s.mu.Unlock()
			return
		}
		s.tables[change.New.Number] = *change.New
		t := *change.New
		note = Notification{Type: NotifyTableUpdated, Table: &t}
	}
	s.mu.Unlock()

	s.publish([]Notification{note})
}

// SeedTables replaces the cached tables.
func (s *Store) SeedTables(tables []models.Table) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.tables = make(map[int]models.Table, len(tables))
	for _, t := range tables {
		s.tables[t.Number] = t
	}
	s.mu.Unlock()

	s.publish([]Notification{{Type: NotifyStoreReset}})
}

func (s *Store) Tables() []models.Table {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Table, 0, len(s.tables))
	for _, t := range s.tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// Prune drops orders that fall outside today's window, which happens after
// local midnight. It returns the number of orders removed.
func (s *Store) Prune() int {
	s.mu.Lock()
	from, to := s.Window()
	removed := 0
	keep := func(list []models.Order) []models.Order {
		out := list[:0]
		for _, o := range list {
			if inWindow(o.CreatedAt, from, to) {
				out = append(out, o)
				continue
			}
			removed++
			delete(s.newItems, o.ID)
			delete(s.versions, o.ID)
			delete(s.touched, o.ID)
		}
		return out
	}
	s.active = keep(s.active)
	s.paid = keep(s.paid)
	if removed > 0 {
		s.deleted = make(map[string]struct{})
	}
	s.mu.Unlock()

	if removed > 0 {
		s.logger.WithField("removed", removed).Info("Pruned orders from previous day")
		s.publish([]Notification{{Type: NotifyStoreReset}})
	}
	return removed
}

// Close disposes the store. Seeds and changes arriving afterwards are ignored.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.listeners = make(map[int]func(Notification))
}

func indexOf(list []models.Order, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

func without(list []models.Order, id string) []models.Order {
	i := indexOf(list, id)
	if i < 0 {
		return list
	}
	return append(list[:i:i], list[i+1:]...)
}

func prepend(list []models.Order, o models.Order) []models.Order {
	out := make([]models.Order, 0, len(list)+1)
	out = append(out, o)
	return append(out, list...)
}

func sortActive(list []models.Order) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}

func sortPaid(list []models.Order) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i].CompletedAt, list[j].CompletedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
}
