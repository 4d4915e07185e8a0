package store

import (
	"context"

	"github.com/dukerupert/notara/internal/keys"
	"github.com/dukerupert/notara/internal/kv"
	"github.com/dukerupert/notara/internal/model"
)

// AlertStore keeps alerts in page, site and global partitions. Global alerts
// are not part of ReadForURL; they show up in Global and All.
type AlertStore struct {
	*Scoped[model.Alert]
}

func NewAlertStore(s kv.Store) *AlertStore {
	return &AlertStore{Scoped: NewScoped[model.Alert](s, keys.KindAlert)}
}

func (s *AlertStore) Patch(ctx context.Context, ref model.Ref, p model.AlertPatch) (Outcome, error) {
	return s.Update(ctx, ref, p.Apply)
}

// Global returns the alerts shown everywhere.
func (s *AlertStore) Global(ctx context.Context) ([]model.Alert, error) {
	key, _ := keys.Encode(keys.KindAlert, model.ScopeGlobal, keys.GlobalIdentifier)
	return s.ReadPartition(ctx, key)
}

// List returns every stored alert, in key order.
func (s *AlertStore) List(ctx context.Context) ([]model.Alert, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Alert
	for _, label := range sortedLabels(all) {
		out = append(out, all[label]...)
	}
	return out, nil
}

// FindByAlarm returns the alert whose schedule owns alarmName.
func (s *AlertStore) FindByAlarm(ctx context.Context, alarmName string) (model.Alert, bool, error) {
	alerts, err := s.List(ctx)
	if err != nil {
		return model.Alert{}, false, err
	}
	for _, a := range alerts {
		if a.Schedule != nil && a.Schedule.AlarmName == alarmName {
			return a, true, nil
		}
	}
	return model.Alert{}, false, nil
}
