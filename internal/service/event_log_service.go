package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/trailcam-labs/trailcam-bridge/internal/model"
	"github.com/trailcam-labs/trailcam-bridge/internal/storage"
)

// EventLogService provides filtering and statistics over the coordinator
// event log.
type EventLogService struct {
	store storage.Store
}

// NewEventLogService builds the event log service.
func NewEventLogService(store storage.Store) *EventLogService {
	return &EventLogService{store: store}
}

// Query returns paginated events, newest first.
func (s *EventLogService) Query(ctx context.Context, filter model.EventLogFilter) (*model.EventLogPage, error) {
	events, err := s.filteredEvents(ctx, filter)
	if err != nil {
		return nil, err
	}

	total := len(events)
	if filter.PageSize <= 0 {
		filter.PageSize = 10
	}
	if filter.PageSize > 100 {
		filter.PageSize = 100
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}

	start := (filter.Page - 1) * filter.PageSize
	if start > total {
		start = total
	}
	end := start + filter.PageSize
	if end > total {
		end = total
	}

	pages := (total + filter.PageSize - 1) / filter.PageSize

	return &model.EventLogPage{
		Data:     events[start:end],
		Total:    total,
		Pages:    pages,
		PageNum:  filter.Page,
		PageSize: filter.PageSize,
	}, nil
}

// CountByDate aggregates events per day/month/year.
func (s *EventLogService) CountByDate(ctx context.Context, dateType string, begin, end *time.Time) ([]map[string]any, error) {
	events, err := s.filteredEvents(ctx, model.EventLogFilter{BeginTime: begin, EndTime: end})
	if err != nil {
		return nil, err
	}

	layout := "2006-01-02"
	switch strings.ToLower(dateType) {
	case "year":
		layout = "2006"
	case "month":
		layout = "2006-01"
	}

	counter := make(map[string]int)
	for _, event := range events {
		counter[event.CreatedAt.Format(layout)]++
	}

	var result []map[string]any
	for key, count := range counter {
		result = append(result, map[string]any{
			"date":  key,
			"count": count,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i]["date"].(string) < result[j]["date"].(string)
	})
	return result, nil
}

// CountByType aggregates by event type.
func (s *EventLogService) CountByType(ctx context.Context, begin, end *time.Time) ([]map[string]any, error) {
	events, err := s.filteredEvents(ctx, model.EventLogFilter{BeginTime: begin, EndTime: end})
	if err != nil {
		return nil, err
	}
	counter := make(map[string]int)
	for _, event := range events {
		eventType := event.Type
		if eventType == "" {
			eventType = "unknown"
		}
		counter[eventType]++
	}
	return mapToKV(counter, "type"), nil
}

func (s *EventLogService) filteredEvents(ctx context.Context, filter model.EventLogFilter) ([]*model.EventLogEntry, error) {
	all, err := s.store.ListEventLogs(ctx)
	if err != nil {
		return nil, err
	}
	matches := make([]*model.EventLogEntry, 0, len(all))
	for _, event := range all {
		if filter.DeviceID != 0 && event.DeviceID != filter.DeviceID {
			continue
		}
		if filter.Type != "" && !strings.EqualFold(event.Type, filter.Type) {
			continue
		}
		if filter.BeginTime != nil && event.CreatedAt.Before(filter.BeginTime.UTC()) {
			continue
		}
		if filter.EndTime != nil && event.CreatedAt.After(filter.EndTime.UTC()) {
			continue
		}
		matches = append(matches, event)
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	return matches, nil
}

func mapToKV(counter map[string]int, key string) []map[string]any {
	var result []map[string]any
	for k, v := range counter {
		result = append(result, map[string]any{
			key:     k,
			"count": v,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i][key].(string) < result[j][key].(string)
	})
	return result
}
