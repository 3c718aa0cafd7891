package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rollcall/attendance-server-go/internal/model"
	"github.com/rollcall/attendance-server-go/internal/realtime"
)

type EventPublisher interface {
	Publish(ctx context.Context, room string, event realtime.Event) error
}

// Mirror receives fire-and-forget copies of state transitions.
type Mirror interface {
	CreateSession(s model.Session)
	UpdateSession(s model.Session)
	SaveToken(t model.Token)
	SaveShortCode(t model.Token)
	Retired(t model.Token)
	MarkPresent(rec model.PresenceRecord)
}

// publish never fails the caller; delivery is best effort.
func publish(ctx context.Context, p EventPublisher, room, eventType string, data any) {
	ev, err := realtime.NewEvent(eventType, data)
	if err != nil {
		log.Error().Err(err).Str("eventType", eventType).Msg("failed to encode event")
		return
	}
	if err := p.Publish(ctx, room, ev); err != nil {
		log.Warn().Err(err).Str("room", room).Str("eventType", eventType).Msg("failed to publish event")
	}
}

func publishAdmin(ctx context.Context, p EventPublisher, updateType string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Str("updateType", updateType).Msg("failed to encode admin update")
		return
	}
	publish(ctx, p, realtime.AdminRoom, realtime.EventAdminUpdate, realtime.AdminUpdate{
		Type:      updateType,
		Data:      raw,
		Timestamp: time.Now(),
	})
}
