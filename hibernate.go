package escrow

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
)

type (
	// Hibernator keeps the records of settled accounts once they leave
	// Redis. Records are written once and never change
	Hibernator interface {
		Get(context.Context, AccountID) (*HibernateRecord, error)
		Put(context.Context, AccountID, *HibernateRecord) error
	}

	// HibernateRecord stores an account's full event log and its latest
	// snapshot, if one was taken
	HibernateRecord struct {
		Events   []json.RawMessage `json:"events"`
		Snapshot *SnapshotRecord   `json:"snapshot,omitempty"`
	}

	// SnapshotRecord stores a snapshot payload and its sequence
	SnapshotRecord struct {
		Data     json.RawMessage `json:"data"`
		Sequence int64           `json:"sequence"`
	}
)

var (
	// ErrNoHibernator indicates no Hibernator was configured on the Store
	ErrNoHibernator = errors.New("no hibernator configured")

	// ErrHibernateNotFound indicates a hibernated account was not found
	ErrHibernateNotFound = errors.New("hibernated account not found")
)

// Hibernate moves a settled account out of Redis and into the configured
// Hibernator. The account stays readable through the Store afterward.
// Active accounts are refused with ErrAccountActive
func (s *Store) Hibernate(ctx context.Context, id AccountID) error {
	if s.hibernator == nil {
		return ErrNoHibernator
	}

	snapKey := s.accountKey(id, snapshotValSuffix)
	snapSeqKey := s.accountKey(id, snapshotSeqSuffix)
	eventsKey := s.accountKey(id, eventsSuffix)
	keys := []string{snapKey, snapSeqKey, eventsKey}

	result, err := s.getHibernateLua.Run(ctx, s.client, keys).Result()
	if err != nil {
		return err
	}

	record, err := buildHibernateRecord(result)
	if err != nil {
		return err
	}
	if len(record.Events) == 0 {
		return ErrAccountNotFound
	}
	if err := s.checkSettled(record); err != nil {
		return err
	}

	if err := s.hibernator.Put(ctx, id, record); err != nil {
		return err
	}

	if err := s.client.Del(ctx, eventsKey, snapKey, snapSeqKey).Err(); err != nil {
		return err
	}
	s.logger.Info("account hibernated",
		zap.String("account_id", string(id)),
		zap.Int("events", len(record.Events)),
	)
	return nil
}

func (s *Store) checkSettled(record *HibernateRecord) error {
	evs, err := decodeRaw(0, record.Events)
	if err != nil {
		return err
	}
	for _, ev := range evs {
		if ev.Type == EventReleased || ev.Type == EventRefunded {
			return nil
		}
	}
	return ErrAccountActive
}

func (s *Store) loadHibernatedEvents(
	ctx context.Context, id AccountID, fromSeq int64,
) ([]*Event, error) {
	record, err := s.hibernator.Get(ctx, id)
	if errors.Is(err, ErrHibernateNotFound) {
		return []*Event{}, nil
	}
	if err != nil {
		return nil, err
	}
	if fromSeq >= int64(len(record.Events)) {
		return []*Event{}, nil
	}
	return decodeRaw(fromSeq, record.Events[fromSeq:])
}

func (s *Store) loadHibernatedSnapshot(
	ctx context.Context, id AccountID, target any,
) (*SnapshotResult, error) {
	record, err := s.hibernator.Get(ctx, id)
	if errors.Is(err, ErrHibernateNotFound) {
		return &SnapshotResult{AdditionalEvents: []*Event{}}, nil
	}
	if err != nil {
		return nil, err
	}

	snapSeq := int64(0)
	if snap := record.Snapshot; snap != nil {
		snapSeq = snap.Sequence
		if len(snap.Data) > 0 {
			if err := json.Unmarshal(snap.Data, target); err != nil {
				return nil, err
			}
		}
	}
	if snapSeq < 0 || snapSeq > int64(len(record.Events)) {
		return nil, ErrUnexpectedLuaResult
	}

	events, err := decodeRaw(snapSeq, record.Events[snapSeq:])
	if err != nil {
		return nil, err
	}
	return &SnapshotResult{
		AdditionalEvents: events,
		NextSequence:     snapSeq,
	}, nil
}

func buildHibernateRecord(result any) (*HibernateRecord, error) {
	res, ok := result.([]any)
	if !ok || len(res) < 3 {
		return nil, ErrUnexpectedLuaResult
	}

	snapData, _ := res[0].(string)
	snapSeq, _ := res[1].(int64)
	rawEvents, _ := res[2].([]any)

	record := &HibernateRecord{
		Events: make([]json.RawMessage, 0, len(rawEvents)),
	}
	for _, raw := range rawEvents {
		str, ok := raw.(string)
		if !ok {
			return nil, ErrUnexpectedLuaResult
		}
		record.Events = append(record.Events, json.RawMessage(str))
	}
	if snapData != "" {
		record.Snapshot = &SnapshotRecord{
			Data:     json.RawMessage(snapData),
			Sequence: snapSeq,
		}
	}
	return record, nil
}

func decodeRaw(startSeq int64, data []json.RawMessage) ([]*Event, error) {
	events := make([]*Event, 0, len(data))
	for i, item := range data {
		ev := &Event{}
		if err := json.Unmarshal(item, ev); err != nil {
			return nil, err
		}
		ev.Sequence = startSeq + int64(i)
		events = append(events, ev)
	}
	return events, nil
}
