package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rollcall/attendance-server-go/internal/realtime"
)

// AdminService relays administrative notifications from external
// collaborators (staff, student and hierarchy management) to admin panels.
type AdminService struct {
	publisher EventPublisher
}

func NewAdminService(publisher EventPublisher) *AdminService {
	return &AdminService{publisher: publisher}
}

func (s *AdminService) Broadcast(ctx context.Context, updateType string, data json.RawMessage) {
	publish(ctx, s.publisher, realtime.AdminRoom, realtime.EventAdminUpdate, realtime.AdminUpdate{
		Type:      updateType,
		Data:      data,
		Timestamp: time.Now(),
	})
	log.Info().Str("updateType", updateType).Msg("admin update broadcast")
}
