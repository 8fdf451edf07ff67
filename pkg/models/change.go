package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
)

const (
	RelationOrders = "orders"
	RelationTables = "tables"
)

// Change is a realtime row-change notification as delivered by the backend
// feed. Record carries the new row image, OldRecord the previous one.
type Change struct {
	Kind       ChangeKind      `json:"type"`
	Relation   string          `json:"table"`
	Record     json.RawMessage `json:"record,omitempty"`
	OldRecord  json.RawMessage `json:"old_record,omitempty"`
	CommitTime time.Time       `json:"commit_timestamp,omitempty"`
	// Truncated marks an oversized notification whose images were sent
	// without items.
	Truncated bool `json:"truncated,omitempty"`
}

type OrderChange struct {
	Kind ChangeKind
	New  *Order
	Old  *Order
}

// ID returns the id of the affected order, preferring the new image.
func (c OrderChange) ID() string {
	if c.New != nil && c.New.ID != "" {
		return c.New.ID
	}
	if c.Old != nil {
		return c.Old.ID
	}
	return ""
}

// Image returns the row image that describes the order after the change:
// the new image for inserts and updates, the old one for deletes.
func (c OrderChange) Image() *Order {
	if c.Kind == ChangeDelete {
		return c.Old
	}
	return c.New
}

type TableChange struct {
	Kind ChangeKind
	New  *Table
	Old  *Table
}

func (c Change) validKind() bool {
	switch c.Kind {
	case ChangeInsert, ChangeUpdate, ChangeDelete:
		return true
	}
	return false
}

// OrderChange decodes the row images of an orders notification.
func (c Change) OrderChange() (OrderChange, error) {
	if c.Relation != RelationOrders {
		return OrderChange{}, fmt.Errorf("%w: relation %q is not %q", ErrMalformedChange, c.Relation, RelationOrders)
	}
	if !c.validKind() {
		return OrderChange{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedChange, c.Kind)
	}

	oc := OrderChange{Kind: c.Kind}
	var err error
	if oc.New, err = decodeImage[Order](c.Record); err != nil {
		return OrderChange{}, err
	}
	if oc.Old, err = decodeImage[Order](c.OldRecord); err != nil {
		return OrderChange{}, err
	}

	switch c.Kind {
	case ChangeInsert, ChangeUpdate:
		if oc.New == nil || oc.New.ID == "" {
			return OrderChange{}, fmt.Errorf("%w: %s without new image", ErrMalformedChange, c.Kind)
		}
	case ChangeDelete:
		if oc.Old == nil || oc.Old.ID == "" {
			return OrderChange{}, fmt.Errorf("%w: DELETE without old image", ErrMalformedChange)
		}
	}
	return oc, nil
}

// TableChange decodes the row images of a tables notification.
func (c Change) TableChange() (TableChange, error) {
	if c.Relation != RelationTables {
		return TableChange{}, fmt.Errorf("%w: relation %q is not %q", ErrMalformedChange, c.Relation, RelationTables)
	}
	if !c.validKind() {
		return TableChange{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedChange, c.Kind)
	}

	tc := TableChange{Kind: c.Kind}
	var err error
	if tc.New, err = decodeImage[Table](c.Record); err != nil {
		return TableChange{}, err
	}
	if tc.Old, err = decodeImage[Table](c.OldRecord); err != nil {
		return TableChange{}, err
	}
	if c.Kind != ChangeDelete && tc.New == nil {
		return TableChange{}, fmt.Errorf("%w: %s without new image", ErrMalformedChange, c.Kind)
	}
	if c.Kind == ChangeDelete && tc.Old == nil {
		return TableChange{}, fmt.Errorf("%w: DELETE without old image", ErrMalformedChange)
	}
	return tc, nil
}

func decodeImage[T any](raw json.RawMessage) (*T, error) {
	if len(raw) == 0 || string(raw) == "null" || string(raw) == "{}" {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedChange, err)
	}
	return &v, nil
}

// NewOrderChange builds the wire form of an orders notification.
func NewOrderChange(kind ChangeKind, newImage, oldImage *Order) (Change, error) {
	c := Change{Kind: kind, Relation: RelationOrders, CommitTime: time.Now().UTC()}
	var err error
	if newImage != nil {
		if c.Record, err = json.Marshal(newImage); err != nil {
			return Change{}, err
		}
	}
	if oldImage != nil {
		if c.OldRecord, err = json.Marshal(oldImage); err != nil {
			return Change{}, err
		}
	}
	return c, nil
}
