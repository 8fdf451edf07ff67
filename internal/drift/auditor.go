package drift

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jogardn/pios-pos/internal/store"
	"github.com/jogardn/pios-pos/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	IssueMissingLocally  = "missing_locally"
	IssueMissingRemotely = "missing_remotely"
	IssueMisplaced       = "misplaced"
	IssueDuplicated      = "duplicated"
	IssueFieldMismatch   = "field_mismatch"

	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// Source is the authoritative copy of the orders relation.
type Source interface {
	ListOrders(ctx context.Context, from, to time.Time, paid bool) ([]models.Order, error)
}

type Issue struct {
	OrderID     string      `json:"order_id"`
	Type        string      `json:"type"`
	Severity    string      `json:"severity"`
	Field       string      `json:"field,omitempty"`
	Local       interface{} `json:"local_value,omitempty"`
	Remote      interface{} `json:"remote_value,omitempty"`
	Description string      `json:"description"`
}

// Report compares the local working set with the backend.
type Report struct {
	LocalCount       int       `json:"local_count"`
	RemoteCount      int       `json:"remote_count"`
	Matches          int       `json:"matches"`
	MissingLocally   []string  `json:"missing_locally"`
	MissingRemotely  []string  `json:"missing_remotely"`
	Issues           []Issue   `json:"issues"`
	CriticalIssues   int       `json:"critical_issues"`
	WarningIssues    int       `json:"warning_issues"`
	ConsistencyScore float64   `json:"consistency_score"`
	Status           string    `json:"status"`
	Timestamp        time.Time `json:"timestamp"`
}

// Drifted reports whether the local lists need a reload.
func (r *Report) Drifted() bool {
	return r.CriticalIssues > 0
}

type Auditor struct {
	source Source
	store  *store.Store
	logger *logrus.Logger
}

func NewAuditor(source Source, st *store.Store, logger *logrus.Logger) *Auditor {
	return &Auditor{source: source, store: st, logger: logger}
}

// Audit fetches today's orders and compares them with the store.
func (a *Auditor) Audit(ctx context.Context) (*Report, error) {
	from, to := a.store.Window()

	var remoteActive, remotePaid []models.Order
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		remoteActive, err = a.source.ListOrders(gctx, from, to, false)
		return err
	})
	g.Go(func() (err error) {
		remotePaid, err = a.source.ListOrders(gctx, from, to, true)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to fetch orders for audit: %w", err)
	}

	report := Compare(a.store.Active(), a.store.Paid(), remoteActive, remotePaid)

	entry := a.logger.WithFields(logrus.Fields{
		"local":             report.LocalCount,
		"remote":            report.RemoteCount,
		"critical_issues":   report.CriticalIssues,
		"consistency_score": report.ConsistencyScore,
	})
	if report.Drifted() {
		entry.Warn("Local order lists drifted from backend")
	} else {
		entry.Debug("Drift audit completed")
	}
	return report, nil
}

type placed struct {
	order models.Order
	paid  bool
}

// Compare diffs local and remote lists by id.
func Compare(localActive, localPaid, remoteActive, remotePaid []models.Order) *Report {
	report := &Report{
		MissingLocally:  []string{},
		MissingRemotely: []string{},
		Issues:          []Issue{},
		Timestamp:       time.Now(),
	}

	local := map[string]placed{}
	for _, o := range localActive {
		local[o.ID] = placed{order: o}
	}
	for _, o := range localPaid {
		if _, dup := local[o.ID]; dup {
			report.add(Issue{
				OrderID:     o.ID,
				Type:        IssueDuplicated,
				Severity:    SeverityCritical,
				Description: "Order is in both the active and the paid list",
			})
		}
		local[o.ID] = placed{order: o, paid: true}
	}

	remote := map[string]placed{}
	for _, o := range remoteActive {
		remote[o.ID] = placed{order: o}
	}
	for _, o := range remotePaid {
		remote[o.ID] = placed{order: o, paid: true}
	}

	report.LocalCount = len(local)
	report.RemoteCount = len(remote)

	ids := map[string]struct{}{}
	for id := range local {
		ids[id] = struct{}{}
	}
	for id := range remote {
		ids[id] = struct{}{}
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	for _, id := range sorted {
		l, inLocal := local[id]
		r, inRemote := remote[id]
		switch {
		case !inLocal:
			report.MissingLocally = append(report.MissingLocally, id)
			report.add(Issue{
				OrderID:     id,
				Type:        IssueMissingLocally,
				Severity:    SeverityCritical,
				Description: "Order exists in the backend but not in the local lists",
			})
		case !inRemote:
			report.MissingRemotely = append(report.MissingRemotely, id)
			report.add(Issue{
				OrderID:     id,
				Type:        IssueMissingRemotely,
				Severity:    SeverityWarning,
				Description: "Order is listed locally but no longer exists in the backend",
			})
		default:
			issues := compareOrders(l, r)
			if len(issues) == 0 {
				report.Matches++
			}
			for _, issue := range issues {
				report.add(issue)
			}
		}
	}

	if len(ids) > 0 {
		report.ConsistencyScore = float64(report.Matches) / float64(len(ids)) * 100
	} else {
		report.ConsistencyScore = 100
	}
	switch {
	case report.ConsistencyScore >= 95:
		report.Status = "excellent"
	case report.ConsistencyScore >= 85:
		report.Status = "good"
	case report.ConsistencyScore >= 70:
		report.Status = "fair"
	default:
		report.Status = "poor"
	}
	return report
}

func (r *Report) add(issue Issue) {
	r.Issues = append(r.Issues, issue)
	switch issue.Severity {
	case SeverityCritical:
		r.CriticalIssues++
	case SeverityWarning:
		r.WarningIssues++
	}
}

func compareOrders(l, r placed) []Issue {
	var issues []Issue
	id := l.order.ID

	if l.paid != r.paid {
		issues = append(issues, Issue{
			OrderID:     id,
			Type:        IssueMisplaced,
			Severity:    SeverityCritical,
			Local:       listName(l.paid),
			Remote:      listName(r.paid),
			Description: "Order is in the wrong local list",
		})
	}
	if l.order.Status != r.order.Status {
		issues = append(issues, mismatch(id, "status", l.order.Status, r.order.Status))
	}
	if !l.order.Total.Equal(r.order.Total) {
		issues = append(issues, mismatch(id, "total", l.order.Total.String(), r.order.Total.String()))
	}
	if len(l.order.Items) != len(r.order.Items) {
		issues = append(issues, mismatch(id, "items_count", len(l.order.Items), len(r.order.Items)))
	}
	if l.order.Mesa != r.order.Mesa {
		issues = append(issues, mismatch(id, "mesa", l.order.Mesa, r.order.Mesa))
	}
	return issues
}

func mismatch(id, field string, local, remote interface{}) Issue {
	return Issue{
		OrderID:     id,
		Type:        IssueFieldMismatch,
		Severity:    SeverityCritical,
		Field:       field,
		Local:       local,
		Remote:      remote,
		Description: fmt.Sprintf("Local %s differs from backend", field),
	}
}

func listName(paid bool) string {
	if paid {
		return "paid"
	}
	return "active"
}
